package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	ierr "github.com/ent0n29/taskapp/internal/errors"
	"github.com/ent0n29/taskapp/internal/taskruntime"
	"github.com/ent0n29/taskapp/internal/tasks"
	"github.com/ent0n29/taskapp/internal/validator"
)

type taskRequest struct {
	Title       string           `json:"title" validate:"required,notblank,max=200"`
	Description string           `json:"description" validate:"max=4000"`
	Status      tasks.TaskStatus `json:"status" validate:"required,oneof=OPEN DOING DONE"`
	DueDate     *tasks.Date      `json:"dueDate"`
}

func (req *taskRequest) fields() *tasks.Fields {
	if req == nil {
		return nil
	}
	return &tasks.Fields{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		DueDate:     req.DueDate,
	}
}

var (
	errMissingIfMatch = errors.New("If-Match header is required")
	errInvalidIfMatch = errors.New("If-Match must be a non-negative integer version")
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if req != nil {
		if err := s.validateTaskRequest(req, true); err != nil {
			s.respondServiceError(w, r, err)
			return
		}
	}

	task, err := s.taskService.CreateTask(r.Context(), req.fields())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	setVersionTag(w, task.Version)
	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%d", task.ID))
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.taskService.GetTask(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	setVersionTag(w, task.Version)
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, err.Error())
		return
	}
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if req != nil {
		if err := s.validateTaskRequest(req, false); err != nil {
			s.respondServiceError(w, r, err)
			return
		}
	}

	task, err := s.taskService.UpdateTask(r.Context(), id, expected, req.fields())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	setVersionTag(w, task.Version)
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if err := s.taskService.DeleteTask(r.Context(), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var q taskruntime.SearchQuery

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := tasks.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, "status must be one of OPEN DOING DONE")
			return
		}
		q.Status = status
	}
	q.Keyword = query.Get("q")

	var err error
	if q.Page, err = intQueryParam(query.Get("page")); err != nil {
		respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, "page must be an integer")
		return
	}
	if q.Size, err = intQueryParam(query.Get("size")); err != nil {
		respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, "size must be an integer")
		return
	}

	page, err := s.taskService.SearchTasks(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// decodeTaskRequest returns a nil request for an empty or null body so the
// service reports the missing payload itself.
func (s *Server) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (*taskRequest, bool) {
	var req *taskRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, true
		}
		respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, "Malformed JSON request: "+err.Error())
		return nil, false
	}
	return req, true
}

// validateTaskRequest runs the tag rules and, on create, rejects a due date
// before today.
func (s *Server) validateTaskRequest(req *taskRequest, creating bool) error {
	details := make(map[string]any)
	if err := validator.ValidateRequest(req); err != nil {
		for field, msg := range ierr.ReportableDetails(err) {
			details[field] = msg
		}
		if len(details) == 0 {
			return err
		}
	}
	if creating && req.DueDate != nil {
		today := tasks.DateOf(s.now())
		if req.DueDate.Before(today.Time) {
			details["dueDate"] = "must be a date in the present or in the future"
		}
	}
	if len(details) == 0 {
		return nil
	}
	return ierr.NewError("task validation failed").
		WithHint("Validation failed").
		WithReportableDetails(details).
		Mark(ierr.ErrInvalidArgument)
}

// respondServiceError maps a service error to its status and body. Store
// faults are logged and hidden behind a generic message.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := ierr.HTTPStatusFromErr(err)
	body := errorResponse{
		Message: ierr.Hint(err),
		Code:    ierr.CodeFromErr(err),
		Errors:  []validator.Violation{},
	}
	switch {
	case ierr.IsInvalidArgument(err):
		if v := validator.Violations(err); len(v) > 0 {
			body.Errors = v
		}
	case ierr.IsVersionConflict(err):
		if expected, actual, ok := taskruntime.ConflictVersions(err); ok {
			body.Details = map[string]any{"expected": expected, "actual": actual}
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("task request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		body.Message = "Internal server error"
	}
	body.Message = lo.Ternary(body.Message == "", http.StatusText(status), body.Message)
	respondJSON(w, status, body)
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ierr.ErrCodeInvalidArgument, "task id must be an integer")
		return 0, false
	}
	return id, true
}

// parseIfMatch reads the expected version. The plain integer form is
// canonical; one pair of surrounding quotes is tolerated.
func parseIfMatch(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errMissingIfMatch
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errInvalidIfMatch
	}
	return v, nil
}

func intQueryParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func setVersionTag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.FormatInt(version, 10))
}
