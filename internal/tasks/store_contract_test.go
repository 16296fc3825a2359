package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)

	insertAt := func(t *testing.T, s Store, title string, status TaskStatus, at time.Time) int64 {
		t.Helper()
		id, err := s.Insert(ctx, Task{Title: title, Status: status, CreatedAt: at, UpdatedAt: at})
		require.NoError(t, err)
		return id
	}

	t.Run("insert assigns id and version zero", func(t *testing.T) {
		s := newStore(t)
		due := NewDate(2026, 4, 1)
		id, err := s.Insert(ctx, Task{Title: "write report", Description: "q1", Status: TaskStatusOpen, DueDate: &due, Version: 7})
		require.NoError(t, err)
		assert.Positive(t, id)

		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, int64(0), got.Version)
		assert.Equal(t, "write report", got.Title)
		assert.Equal(t, "q1", got.Description)
		assert.Equal(t, TaskStatusOpen, got.Status)
		require.NotNil(t, got.DueDate)
		assert.Equal(t, "2026-04-01", got.DueDate.String())
		assert.False(t, got.CreatedAt.IsZero())
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("insert keeps caller timestamps", func(t *testing.T) {
		s := newStore(t)
		id := insertAt(t, s, "a", TaskStatusOpen, base)
		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.CreatedAt.Equal(base), "created_at = %v", got.CreatedAt)
		assert.True(t, got.UpdatedAt.Equal(base), "updated_at = %v", got.UpdatedAt)
	})

	t.Run("find missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(ctx, 424242)
		assert.ErrorIs(t, err, ErrStoreNotFound)
	})

	t.Run("conditional update matches version once", func(t *testing.T) {
		s := newStore(t)
		id := insertAt(t, s, "a", TaskStatusOpen, base)
		fields := Fields{Title: "b", Description: "d", Status: TaskStatusDoing}

		n, err := s.UpdateIfVersion(ctx, id, 0, fields)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "b", got.Title)
		assert.Equal(t, TaskStatusDoing, got.Status)
		assert.Nil(t, got.DueDate)
		assert.True(t, got.UpdatedAt.After(base), "updated_at not refreshed: %v", got.UpdatedAt)
		assert.True(t, got.CreatedAt.Equal(base))

		n, err = s.UpdateIfVersion(ctx, id, 0, fields)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("conditional update on missing row", func(t *testing.T) {
		s := newStore(t)
		n, err := s.UpdateIfVersion(ctx, 999, 0, Fields{Title: "x", Status: TaskStatusOpen})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("concurrent updates with the same version", func(t *testing.T) {
		s := newStore(t)
		id := insertAt(t, s, "race", TaskStatusOpen, base)

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int64
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.UpdateIfVersion(ctx, id, 0, Fields{Title: "winner", Status: TaskStatusDone})
				assert.NoError(t, err)
				mu.Lock()
				applied += n
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), applied)
		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		id := insertAt(t, s, "a", TaskStatusOpen, base)
		n, err := s.DeleteByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.DeleteByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		_, err = s.FindByID(ctx, id)
		assert.ErrorIs(t, err, ErrStoreNotFound)
	})

	t.Run("search filters, orders and pages", func(t *testing.T) {
		s := newStore(t)
		older := insertAt(t, s, "Foo older", TaskStatusOpen, base)
		insertAt(t, s, "unrelated", TaskStatusOpen, base.Add(time.Minute))
		insertAt(t, s, "foo but done", TaskStatusDone, base.Add(2*time.Minute))
		newer := insertAt(t, s, "the FOO newer", TaskStatusOpen, base.Add(3*time.Minute))

		filter := Filter{Status: TaskStatusOpen, Keyword: "foo"}
		first, err := s.Search(ctx, filter, 0, 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, newer, first[0].ID)

		second, err := s.Search(ctx, filter, 1, 1)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, older, second[0].ID)

		beyond, err := s.Search(ctx, filter, 2, 1)
		require.NoError(t, err)
		assert.Empty(t, beyond)

		total, err := s.Count(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)

		all, err := s.Count(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(4), all)
	})

	t.Run("search breaks created_at ties by id", func(t *testing.T) {
		s := newStore(t)
		a := insertAt(t, s, "a", TaskStatusOpen, base)
		b := insertAt(t, s, "b", TaskStatusOpen, base)
		c := insertAt(t, s, "c", TaskStatusOpen, base)

		got, err := s.Search(ctx, Filter{}, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []int64{c, b, a}, []int64{got[0].ID, got[1].ID, got[2].ID})
	})

	t.Run("keyword wildcards match literally", func(t *testing.T) {
		s := newStore(t)
		insertAt(t, s, "100% done", TaskStatusOpen, base)
		insertAt(t, s, "1000 done", TaskStatusOpen, base)

		total, err := s.Count(ctx, Filter{Keyword: "0%"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)

		total, err = s.Count(ctx, Filter{Keyword: "_"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}
