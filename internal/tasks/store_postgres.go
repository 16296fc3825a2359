package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, title, description, status, due_date, version, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func newPostgresStore(ctx context.Context, pool *pgxpool.Pool, initSchema bool) (*PostgresStore, error) {
	if !initSchema {
		return &PostgresStore{pool: pool}, nil
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			title VARCHAR(200) NOT NULL,
			description VARCHAR(4000) NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('OPEN', 'DOING', 'DONE')),
			due_date DATE NULL,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at DESC, id DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithTx joins an enclosing transaction when ctx already carries one.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback(ctx)
			panic(v)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback tx: %v (original error: %w)", rerr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, task Task) (int64, error) {
	var id int64
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO tasks (title, description, status, due_date, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, COALESCE($5, now()), COALESCE($6, now()))
		 RETURNING id`,
		task.Title,
		task.Description,
		string(task.Status),
		dateArg(task.DueDate),
		timeArg(task.CreatedAt),
		timeArg(task.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (Task, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateIfVersion(ctx context.Context, id, expectedVersion int64, fields Fields) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE tasks
		    SET title=$3, description=$4, status=$5, due_date=$6,
		        version=version + 1, updated_at=now()
		  WHERE id=$1 AND version=$2`,
		id,
		expectedVersion,
		fields.Title,
		fields.Description,
		string(fields.Status),
		dateArg(fields.DueDate),
	)
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id int64) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Search(ctx context.Context, filter Filter, offset, limit int) ([]Task, error) {
	where, args := filterClause(filter)
	args = append(args, limit, offset)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := filterClause(filter)
	var total int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

func filterClause(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Keyword != "" {
		args = append(args, escapeLike(filter.Keyword))
		conds = append(conds, fmt.Sprintf("title ILIKE '%%' || $%d || '%%'", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike makes the keyword match literally under the default LIKE escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func dateArg(d *Date) any {
	if d == nil {
		return nil
	}
	return d.Time
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task    Task
		status  string
		dueDate *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&status,
		&dueDate,
		&task.Version,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	if dueDate != nil {
		d := DateOf(*dueDate)
		task.DueDate = &d
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
