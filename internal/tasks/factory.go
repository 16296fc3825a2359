package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taskapp/internal/logger"
	"github.com/ent0n29/taskapp/internal/reliability"
)

const (
	StoreModePostgres = "postgres"
	StoreModeInMemory = "in-memory"
)

type StoreConfig struct {
	DatabaseURL    string
	MaxConns       int
	ConnectTimeout time.Duration
	// SkipSchemaInit leaves table and index creation to external migrations.
	SkipSchemaInit bool
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, cfg StoreConfig, log *logger.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, cfg, log)
}

// StoreMode names the backend behind s.
func StoreMode(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return StoreModePostgres
	case *InMemoryStore:
		return StoreModeInMemory
	default:
		return "custom"
	}
}

// NewPostgresStore connects, retrying transient failures until
// cfg.ConnectTimeout elapses, then bootstraps the schema.
func NewPostgresStore(ctx context.Context, cfg StoreConfig, log *logger.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.ConnectTimeout

	attempt := 0
	ping := func() error {
		attempt++
		err := pool.Ping(ctx)
		if err == nil {
			return nil
		}
		if !reliability.IsTransientStoreError(err) {
			return backoff.Permanent(err)
		}
		if log != nil {
			log.Warnw("postgres not reachable yet", "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store, err := newPostgresStore(ctx, pool, !cfg.SkipSchemaInit)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if log != nil {
		log.Infow("task store ready", "mode", StoreModePostgres, "max_conns", poolCfg.MaxConns)
	}
	return store, nil
}
