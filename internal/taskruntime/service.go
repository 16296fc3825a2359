package taskruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	ierr "github.com/ent0n29/taskapp/internal/errors"
	"github.com/ent0n29/taskapp/internal/logger"
	"github.com/ent0n29/taskapp/internal/observability"
	"github.com/ent0n29/taskapp/internal/tasks"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

// SearchQuery carries raw, not yet normalized paging input.
type SearchQuery struct {
	Status  tasks.TaskStatus
	Keyword string
	Page    int
	Size    int
}

// Service enforces task invariants on top of a tasks.Store. It keeps no state
// between calls; the store is the only shared resource.
type Service struct {
	store           tasks.Store
	metrics         *observability.Metrics
	log             *logger.Logger
	now             func() time.Time
	defaultPageSize int
	maxPageSize     int
}

func New(cfg Config, store tasks.Store, metrics *observability.Metrics, log *logger.Logger) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = MaxPageSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		store:           store,
		metrics:         metrics,
		log:             log.Named("taskruntime"),
		now:             time.Now,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}
}

func (s *Service) StoreMode() string {
	if s == nil || s.store == nil {
		return "disabled"
	}
	return tasks.StoreMode(s.store)
}

// CreateTask persists a new task and returns it as re-read from the store.
func (s *Service) CreateTask(ctx context.Context, in *tasks.Fields) (task tasks.Task, err error) {
	defer s.observe("create", time.Now(), &err)
	if in == nil {
		return tasks.Task{}, ierr.NewError("task must not be null").
			WithHint("Task payload is required.").
			Mark(ierr.ErrInvalidArgument)
	}

	draft := tasks.Task{
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		DueDate:     in.DueDate,
	}
	applyCreateDefaults(&draft, s.now())

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		id, err := s.store.Insert(ctx, draft)
		if err != nil {
			return err
		}
		task, err = s.store.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload created task %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return tasks.Task{}, err
	}
	s.log.Infow("task created", "task_id", task.ID, "status", task.Status)
	return task, nil
}

// applyCreateDefaults fills the fields callers never supply on create.
func applyCreateDefaults(t *tasks.Task, now time.Time) {
	t.Version = 0
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

func (s *Service) GetTask(ctx context.Context, id int64) (task tasks.Task, err error) {
	defer s.observe("get", time.Now(), &err)
	task, err = s.store.FindByID(ctx, id)
	if err != nil {
		return tasks.Task{}, s.notFoundOr(err, id)
	}
	return task, nil
}

// UpdateTask replaces the caller-writable fields of task id when its stored
// version still equals expectedVersion. A stale token yields ErrVersionConflict
// with both versions in the error details; it is never retried here.
func (s *Service) UpdateTask(ctx context.Context, id, expectedVersion int64, in *tasks.Fields) (task tasks.Task, err error) {
	defer s.observe("update", time.Now(), &err)
	if in == nil {
		return tasks.Task{}, ierr.NewError("task must not be null").
			WithHint("Task payload is required.").
			Mark(ierr.ErrInvalidArgument)
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		updated, err := s.store.UpdateIfVersion(ctx, id, expectedVersion, *in)
		if err != nil {
			return err
		}
		if updated == 0 {
			// The conditional write does not say why it missed; one read tells
			// a deleted row from a stale version.
			existing, err := s.store.FindByID(ctx, id)
			if err != nil {
				return s.notFoundOr(err, id)
			}
			return versionConflict(id, expectedVersion, existing.Version)
		}
		task, err = s.store.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload updated task %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		if ierr.IsVersionConflict(err) {
			s.log.Warnw("task update rejected", "task_id", id, "error", err)
		}
		return tasks.Task{}, err
	}
	s.log.Infow("task updated", "task_id", task.ID, "version", task.Version)
	return task, nil
}

// DeleteTask removes task id unconditionally.
func (s *Service) DeleteTask(ctx context.Context, id int64) (err error) {
	defer s.observe("delete", time.Now(), &err)
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		deleted, err := s.store.DeleteByID(ctx, id)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return notFound(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infow("task deleted", "task_id", id)
	return nil
}

// SearchTasks runs the page query and the count query independently; a write
// landing between them can make Total disagree with Content.
func (s *Service) SearchTasks(ctx context.Context, q SearchQuery) (page tasks.Page, err error) {
	defer s.observe("search", time.Now(), &err)
	pageNo, size := s.normalizePaging(q.Page, q.Size)
	filter := tasks.Filter{Status: q.Status, Keyword: q.Keyword}

	content, err := s.store.Search(ctx, filter, pageNo*size, size)
	if err != nil {
		return tasks.Page{}, err
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return tasks.Page{}, err
	}
	if content == nil {
		content = []tasks.Task{}
	}
	return tasks.Page{Content: content, Page: pageNo, Size: size, Total: total}, nil
}

func (s *Service) normalizePaging(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = s.defaultPageSize
	}
	if size > s.maxPageSize {
		size = s.maxPageSize
	}
	// Keep page*size representable; such a page is always past the end.
	if page > math.MaxInt/size {
		page = math.MaxInt / size
	}
	return page, size
}

func (s *Service) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *Service) notFoundOr(err error, id int64) error {
	if errors.Is(err, tasks.ErrStoreNotFound) {
		return notFound(id)
	}
	return err
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTaskOperation(op, outcomeOf(*errp), time.Since(start))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ierr.IsNotFound(err):
		return "not_found"
	case ierr.IsVersionConflict(err):
		return "conflict"
	case ierr.IsInvalidArgument(err):
		return "invalid"
	default:
		return "error"
	}
}

func notFound(id int64) error {
	return ierr.NewErrorf("task not found: %d", id).
		WithHintf("Task not found: %d", id).
		Mark(ierr.ErrNotFound)
}

func versionConflict(id, expected, actual int64) error {
	return ierr.NewErrorf("version conflict. expected=%d, actual=%d", expected, actual).
		WithHintf("Version conflict. expected=%d, actual=%d", expected, actual).
		WithReportableDetails(map[string]any{
			"task_id":  id,
			"expected": expected,
			"actual":   actual,
		}).
		Mark(ierr.ErrVersionConflict)
}

// ConflictVersions extracts the expected and actual versions from a
// version-conflict error.
func ConflictVersions(err error) (expected, actual int64, ok bool) {
	if !ierr.IsVersionConflict(err) {
		return 0, 0, false
	}
	details := ierr.ReportableDetails(err)
	e, eok := details["expected"].(json.Number)
	a, aok := details["actual"].(json.Number)
	if !eok || !aok {
		return 0, 0, false
	}
	expected, eerr := e.Int64()
	actual, aerr := a.Int64()
	if eerr != nil || aerr != nil {
		return 0, 0, false
	}
	return expected, actual, true
}
