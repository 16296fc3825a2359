package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	ierr "github.com/ent0n29/taskapp/internal/errors"
	"github.com/ent0n29/taskapp/internal/logger"
	"github.com/ent0n29/taskapp/internal/observability"
	"github.com/ent0n29/taskapp/internal/tasks"
)

type ServiceSuite struct {
	suite.Suite
	ctx   context.Context
	store *tasks.InMemoryStore
	svc   *Service
	clock time.Time
}

func TestService(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = tasks.NewInMemoryStore()
	s.svc = New(Config{}, s.store, nil, logger.NewNop())
	s.clock = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	s.svc.now = func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}
}

func (s *ServiceSuite) create(title string, status tasks.TaskStatus) tasks.Task {
	task, err := s.svc.CreateTask(s.ctx, &tasks.Fields{Title: title, Status: status})
	s.Require().NoError(err)
	return task
}

func (s *ServiceSuite) TestCreateSetsDefaults() {
	due := tasks.NewDate(2030, 7, 1)
	task, err := s.svc.CreateTask(s.ctx, &tasks.Fields{
		Title:       "New Task",
		Description: "Desc",
		Status:      tasks.TaskStatusOpen,
		DueDate:     &due,
	})
	s.Require().NoError(err)
	s.Positive(task.ID)
	s.Equal(int64(0), task.Version)
	s.False(task.CreatedAt.IsZero())
	s.False(task.UpdatedAt.IsZero())
	s.Equal("New Task", task.Title)
	s.Equal("Desc", task.Description)
	s.Require().NotNil(task.DueDate)
	s.Equal("2030-07-01", task.DueDate.String())

	stored, err := s.store.FindByID(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(stored, task)
}

func (s *ServiceSuite) TestCreateNilIsInvalidArgument() {
	_, err := s.svc.CreateTask(s.ctx, nil)
	s.Require().Error(err)
	s.True(ierr.IsInvalidArgument(err))
}

func (s *ServiceSuite) TestGet() {
	created := s.create("T", tasks.TaskStatusDone)

	found, err := s.svc.GetTask(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created, found)

	_, err = s.svc.GetTask(s.ctx, 999)
	s.Require().Error(err)
	s.True(ierr.IsNotFound(err))
	s.Contains(err.Error(), "999")
}

func (s *ServiceSuite) TestUpdateReplacesFieldsAndBumpsVersion() {
	due := tasks.NewDate(2030, 8, 1)
	created, err := s.svc.CreateTask(s.ctx, &tasks.Fields{
		Title:       "Original",
		Description: "keep?",
		Status:      tasks.TaskStatusOpen,
		DueDate:     &due,
	})
	s.Require().NoError(err)

	updated, err := s.svc.UpdateTask(s.ctx, created.ID, 0, &tasks.Fields{
		Title:  "Updated",
		Status: tasks.TaskStatusDoing,
	})
	s.Require().NoError(err)
	s.Equal(created.ID, updated.ID)
	s.Equal(int64(1), updated.Version)
	s.Equal("Updated", updated.Title)
	s.Equal("", updated.Description)
	s.Equal(tasks.TaskStatusDoing, updated.Status)
	s.Nil(updated.DueDate)
	s.Equal(created.CreatedAt, updated.CreatedAt)
}

func (s *ServiceSuite) TestUpdateTokenIsSingleUse() {
	created := s.create("a", tasks.TaskStatusOpen)
	fields := &tasks.Fields{Title: "b", Status: tasks.TaskStatusDoing}

	_, err := s.svc.UpdateTask(s.ctx, created.ID, 0, fields)
	s.Require().NoError(err)

	_, err = s.svc.UpdateTask(s.ctx, created.ID, 0, fields)
	s.Require().Error(err)
	s.True(ierr.IsVersionConflict(err))
	s.Contains(err.Error(), "expected=0")
	s.Contains(err.Error(), "actual=1")

	expected, actual, ok := ConflictVersions(err)
	s.Require().True(ok)
	s.Equal(int64(0), expected)
	s.Equal(int64(1), actual)
}

func (s *ServiceSuite) TestUpdateMissingIsNotFound() {
	_, err := s.svc.UpdateTask(s.ctx, 77, 0, &tasks.Fields{Title: "x", Status: tasks.TaskStatusOpen})
	s.Require().Error(err)
	s.True(ierr.IsNotFound(err))
	s.False(ierr.IsVersionConflict(err))
}

func (s *ServiceSuite) TestUpdateNilIsInvalidArgument() {
	created := s.create("a", tasks.TaskStatusOpen)
	_, err := s.svc.UpdateTask(s.ctx, created.ID, 0, nil)
	s.Require().Error(err)
	s.True(ierr.IsInvalidArgument(err))

	again, err := s.svc.GetTask(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(int64(0), again.Version)
}

func (s *ServiceSuite) TestConcurrentUpdatesExactlyOneWins() {
	created := s.create("race", tasks.TaskStatusOpen)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		actuals   []int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.UpdateTask(s.ctx, created.ID, 0, &tasks.Fields{Title: "mine", Status: tasks.TaskStatusDone})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case ierr.IsVersionConflict(err):
				conflicts++
				_, actual, _ := ConflictVersions(err)
				actuals = append(actuals, actual)
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(workers-1, conflicts)
	for _, a := range actuals {
		s.Equal(int64(1), a)
	}
}

func (s *ServiceSuite) TestDeleteThenGetIsNotFound() {
	created := s.create("a", tasks.TaskStatusOpen)
	s.Require().NoError(s.svc.DeleteTask(s.ctx, created.ID))

	_, err := s.svc.GetTask(s.ctx, created.ID)
	s.True(ierr.IsNotFound(err))

	err = s.svc.DeleteTask(s.ctx, created.ID)
	s.True(ierr.IsNotFound(err))
}

func (s *ServiceSuite) TestDeleteIgnoresVersion() {
	created := s.create("a", tasks.TaskStatusOpen)
	_, err := s.svc.UpdateTask(s.ctx, created.ID, 0, &tasks.Fields{Title: "b", Status: tasks.TaskStatusOpen})
	s.Require().NoError(err)
	s.NoError(s.svc.DeleteTask(s.ctx, created.ID))
}

func (s *ServiceSuite) TestSearchNormalizesPaging() {
	for i := 0; i < 25; i++ {
		s.create("task", tasks.TaskStatusOpen)
	}

	clamped, err := s.svc.SearchTasks(s.ctx, SearchQuery{Page: -5, Size: 0})
	s.Require().NoError(err)
	plain, err := s.svc.SearchTasks(s.ctx, SearchQuery{Page: 0, Size: 20})
	s.Require().NoError(err)
	s.Equal(plain, clamped)
	s.Equal(0, clamped.Page)
	s.Equal(20, clamped.Size)
	s.Len(clamped.Content, 20)
	s.Equal(int64(25), clamped.Total)

	huge, err := s.svc.SearchTasks(s.ctx, SearchQuery{Size: 5000})
	s.Require().NoError(err)
	capped, err := s.svc.SearchTasks(s.ctx, SearchQuery{Size: 100})
	s.Require().NoError(err)
	s.Equal(capped, huge)
	s.Equal(100, huge.Size)
	s.Len(huge.Content, 25)
}

func (s *ServiceSuite) TestSearchOffsetUsesNormalizedSize() {
	for i := 0; i < 3; i++ {
		s.create("task", tasks.TaskStatusOpen)
	}
	page, err := s.svc.SearchTasks(s.ctx, SearchQuery{Page: 1, Size: -1})
	s.Require().NoError(err)
	s.Equal(1, page.Page)
	s.Equal(20, page.Size)
	s.Empty(page.Content)
	s.NotNil(page.Content)
	s.Equal(int64(3), page.Total)
}

func (s *ServiceSuite) TestSearchHugePageIsPastTheEnd() {
	for i := 0; i < 3; i++ {
		s.create("task", tasks.TaskStatusOpen)
	}
	page, err := s.svc.SearchTasks(s.ctx, SearchQuery{Page: math.MaxInt/20 + 1, Size: 20})
	s.Require().NoError(err)
	s.Empty(page.Content)
	s.Equal(int64(3), page.Total)
	s.Equal(20, page.Size)
	s.Equal(math.MaxInt/20, page.Page)

	page, err = s.svc.SearchTasks(s.ctx, SearchQuery{Page: math.MaxInt, Size: 1})
	s.Require().NoError(err)
	s.Empty(page.Content)
}

func (s *ServiceSuite) TestSearchNewestMatchFirst() {
	a := s.create("plain A", tasks.TaskStatusOpen)
	b := s.create("has foo", tasks.TaskStatusOpen)
	s.create("foo but done", tasks.TaskStatusDone)
	c := s.create("FOO again", tasks.TaskStatusOpen)
	_ = a

	first, err := s.svc.SearchTasks(s.ctx, SearchQuery{Status: tasks.TaskStatusOpen, Keyword: "foo", Page: 0, Size: 1})
	s.Require().NoError(err)
	s.Require().Len(first.Content, 1)
	s.Equal(c.ID, first.Content[0].ID)
	s.Equal(int64(2), first.Total)

	second, err := s.svc.SearchTasks(s.ctx, SearchQuery{Status: tasks.TaskStatusOpen, Keyword: "foo", Page: 1, Size: 1})
	s.Require().NoError(err)
	s.Require().Len(second.Content, 1)
	s.Equal(b.ID, second.Content[0].ID)
	s.Equal(int64(2), second.Total)
}

func (s *ServiceSuite) TestMetricsRecordOutcomes() {
	metrics := observability.NewMetrics(fmt.Sprintf("test_taskruntime_%d", time.Now().UnixNano()))
	s.svc.metrics = metrics

	created := s.create("a", tasks.TaskStatusOpen)
	_, err := s.svc.UpdateTask(s.ctx, created.ID, 3, &tasks.Fields{Title: "b", Status: tasks.TaskStatusOpen})
	s.Require().Error(err)

	snap := metrics.SnapshotOperations()
	ops := make(map[string]int64)
	for _, op := range snap.Operations {
		ops[op.Operation+"/"+op.Outcome] = op.Count
	}
	s.Equal(map[string]int64{"create/ok": 1, "update/conflict": 1}, ops)
}

func TestServiceStoreFaultsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	store := &faultStore{InMemoryStore: tasks.NewInMemoryStore(), err: boom}
	svc := New(Config{}, store, nil, nil)
	ctx := context.Background()

	if _, err := svc.CreateTask(ctx, &tasks.Fields{Title: "a", Status: tasks.TaskStatusOpen}); !errors.Is(err, boom) {
		t.Fatalf("CreateTask() error = %v, want %v", err, boom)
	}
	if _, err := svc.GetTask(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("GetTask() error = %v, want %v", err, boom)
	}
	_, err := svc.UpdateTask(ctx, 1, 0, &tasks.Fields{Title: "a", Status: tasks.TaskStatusOpen})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateTask() error = %v, want %v", err, boom)
	}
	if ierr.IsNotFound(err) || ierr.IsVersionConflict(err) {
		t.Fatalf("UpdateTask() store fault was classified: %v", err)
	}
	if err := svc.DeleteTask(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("DeleteTask() error = %v, want %v", err, boom)
	}
	if _, err := svc.SearchTasks(ctx, SearchQuery{}); !errors.Is(err, boom) {
		t.Fatalf("SearchTasks() error = %v, want %v", err, boom)
	}
}

func TestServiceUpdatePassesExpectedVersionThrough(t *testing.T) {
	store := &recordingStore{InMemoryStore: tasks.NewInMemoryStore()}
	svc := New(Config{}, store, nil, nil)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, &tasks.Fields{Title: "a", Status: tasks.TaskStatusOpen})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	fields := tasks.Fields{Title: "Updated", Status: tasks.TaskStatusDoing}
	if _, err := svc.UpdateTask(ctx, created.ID, 0, &fields); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if store.updates != 1 {
		t.Fatalf("UpdateIfVersion calls = %d, want 1", store.updates)
	}
	if store.lastID != created.ID || store.lastVersion != 0 {
		t.Fatalf("UpdateIfVersion(id=%d, version=%d), want (%d, 0)", store.lastID, store.lastVersion, created.ID)
	}
	if store.lastFields.Title != "Updated" || store.lastFields.Status != tasks.TaskStatusDoing {
		t.Fatalf("UpdateIfVersion fields = %+v", store.lastFields)
	}
	if store.txs != 2 {
		t.Fatalf("WithTx calls = %d, want 2 (create + update)", store.txs)
	}
}

func TestServiceCustomPageLimits(t *testing.T) {
	svc := New(Config{DefaultPageSize: 5, MaxPageSize: 10}, tasks.NewInMemoryStore(), nil, nil)
	page, err := svc.SearchTasks(context.Background(), SearchQuery{})
	if err != nil {
		t.Fatalf("SearchTasks() error = %v", err)
	}
	if page.Size != 5 {
		t.Fatalf("Size = %d, want 5", page.Size)
	}
	page, err = svc.SearchTasks(context.Background(), SearchQuery{Size: 50})
	if err != nil {
		t.Fatalf("SearchTasks() error = %v", err)
	}
	if page.Size != 10 {
		t.Fatalf("Size = %d, want 10", page.Size)
	}
}

type faultStore struct {
	*tasks.InMemoryStore
	err error
}

func (f *faultStore) Insert(context.Context, tasks.Task) (int64, error) { return 0, f.err }
func (f *faultStore) FindByID(context.Context, int64) (tasks.Task, error) {
	return tasks.Task{}, f.err
}
func (f *faultStore) UpdateIfVersion(context.Context, int64, int64, tasks.Fields) (int64, error) {
	return 0, f.err
}
func (f *faultStore) DeleteByID(context.Context, int64) (int64, error) { return 0, f.err }
func (f *faultStore) Search(context.Context, tasks.Filter, int, int) ([]tasks.Task, error) {
	return nil, f.err
}

type recordingStore struct {
	*tasks.InMemoryStore
	updates     int
	txs         int
	lastID      int64
	lastVersion int64
	lastFields  tasks.Fields
}

func (r *recordingStore) UpdateIfVersion(ctx context.Context, id, expectedVersion int64, fields tasks.Fields) (int64, error) {
	r.updates++
	r.lastID, r.lastVersion, r.lastFields = id, expectedVersion, fields
	return r.InMemoryStore.UpdateIfVersion(ctx, id, expectedVersion, fields)
}

func (r *recordingStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txs++
	return r.InMemoryStore.WithTx(ctx, fn)
}

func TestConflictVersionsKeepsLargeVersions(t *testing.T) {
	const expected, actual = int64(1) << 60, int64(1)<<60 + 1
	err := versionConflict(9, expected, actual)

	gotExpected, gotActual, ok := ConflictVersions(err)
	if !ok {
		t.Fatalf("ConflictVersions() ok = false")
	}
	if gotExpected != expected || gotActual != actual {
		t.Fatalf("ConflictVersions() = (%d, %d), want (%d, %d)", gotExpected, gotActual, expected, actual)
	}
	if _, _, ok := ConflictVersions(notFound(9)); ok {
		t.Fatalf("ConflictVersions(notFound) ok = true, want false")
	}
}
