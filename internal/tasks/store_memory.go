package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// InMemoryStore is an in-process Store for local/dev use and tests.
// Every method holds the lock for its whole body, so UpdateIfVersion is atomic.
type InMemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]Task
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[int64]Task),
		now:   time.Now,
	}
}

// SetClock replaces the store clock used for store-assigned timestamps.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// stamp mirrors TIMESTAMPTZ precision so both backends return the same values.
func (s *InMemoryStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *InMemoryStore) Insert(_ context.Context, task Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	task = task.Clone()
	task.ID = s.nextID
	task.Version = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.stamp()
	} else {
		task.CreatedAt = task.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = s.stamp()
	} else {
		task.UpdatedAt = task.UpdatedAt.UTC().Truncate(time.Microsecond)
	}
	s.tasks[task.ID] = task
	return task.ID, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

func (s *InMemoryStore) UpdateIfVersion(_ context.Context, id, expectedVersion int64, fields Fields) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Version != expectedVersion {
		return 0, nil
	}
	task.apply(fields)
	task.Version = expectedVersion + 1
	task.UpdatedAt = s.stamp()
	s.tasks[id] = task
	return 1, nil
}

func (s *InMemoryStore) DeleteByID(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return 0, nil
	}
	delete(s.tasks, id)
	return 1, nil
}

func (s *InMemoryStore) Search(_ context.Context, filter Filter, offset, limit int) ([]Task, error) {
	s.mu.RLock()
	matched := s.matchLocked(filter)
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) || limit <= 0 {
		return []Task{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return lo.Map(matched[offset:end], func(t Task, _ int) Task { return t.Clone() }), nil
}

func (s *InMemoryStore) Count(_ context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matchLocked(filter))), nil
}

func (s *InMemoryStore) matchLocked(filter Filter) []Task {
	return lo.Filter(lo.Values(s.tasks), func(t Task, _ int) bool {
		return filter.Matches(t)
	})
}

// WithTx runs fn inline. Each method is atomic on its own; nothing is rolled
// back when fn fails.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *InMemoryStore) Close() error { return nil }
