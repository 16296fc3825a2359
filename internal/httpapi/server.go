package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ent0n29/taskapp/internal/config"
	"github.com/ent0n29/taskapp/internal/logger"
	"github.com/ent0n29/taskapp/internal/observability"
	"github.com/ent0n29/taskapp/internal/policy"
	"github.com/ent0n29/taskapp/internal/taskruntime"
	"github.com/ent0n29/taskapp/internal/validator"
)

const requestIDHeader = "X-Request-ID"

type Server struct {
	cfg         config.Config
	taskService *taskruntime.Service
	metrics     *observability.Metrics
	log         *logger.Logger
	now         func() time.Time
}

func New(cfg config.Config, taskService *taskruntime.Service, metrics *observability.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		cfg:         cfg,
		taskService: taskService,
		metrics:     metrics,
		log:         log.Named("httpapi"),
		now:         time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/api/tasks", func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleSearchTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Put("/{id}", s.handleUpdateTask)
		r.Delete("/{id}", s.handleDeleteTask)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.taskService == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":          "unavailable",
			"task_store_mode": s.taskStoreMode(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.taskStoreMode(),
	})
}

// requestID propagates X-Request-ID, minting one when the caller sent none.
// The id is stored where middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(r.Method, route, status)
		}
		s.log.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"query", policy.RedactQuery(r.URL.Query()),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Message string                `json:"message"`
	Code    string                `json:"code"`
	Errors  []validator.Violation `json:"errors"`
	Details map[string]any        `json:"details,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Message: message, Code: code, Errors: []validator.Violation{}})
}

func (s *Server) taskStoreMode() string {
	if s.taskService == nil {
		return "disabled"
	}
	mode := strings.TrimSpace(s.taskService.StoreMode())
	if mode == "" {
		return "disabled"
	}
	return mode
}
