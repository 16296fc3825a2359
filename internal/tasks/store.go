package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable task collection.
//
// UpdateIfVersion is the only concurrency control: it must compare the stored
// version with expectedVersion and write the new fields, version and
// updated_at in one indivisible step, returning 0 rows when the comparison
// fails or the row is gone.
type Store interface {
	Insert(ctx context.Context, task Task) (int64, error)
	FindByID(ctx context.Context, id int64) (Task, error)
	UpdateIfVersion(ctx context.Context, id, expectedVersion int64, fields Fields) (int64, error)
	DeleteByID(ctx context.Context, id int64) (int64, error)
	Search(ctx context.Context, filter Filter, offset, limit int) ([]Task, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	// WithTx runs fn inside one transaction. Store calls made with the ctx
	// passed to fn join it.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}
