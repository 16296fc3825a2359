package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/taskapp/internal/config"
	"github.com/ent0n29/taskapp/internal/httpapi"
	"github.com/ent0n29/taskapp/internal/logger"
	"github.com/ent0n29/taskapp/internal/observability"
	"github.com/ent0n29/taskapp/internal/taskruntime"
	"github.com/ent0n29/taskapp/internal/tasks"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	TaskService *taskruntime.Service
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*BuildResult, error) {
	if log == nil {
		log = logger.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := tasks.NewStore(ctx, tasks.StoreConfig{
		DatabaseURL:    cfg.DatabaseURL,
		MaxConns:       cfg.DatabaseMaxConns,
		ConnectTimeout: cfg.DatabaseConnectTimeout,
		SkipSchemaInit: !cfg.DatabaseAutoMigrate,
	}, log.Named("tasks"))
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	taskService := taskruntime.New(taskruntime.Config{
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
	}, store, metrics, log)

	api := httpapi.New(cfg, taskService, metrics, log)

	cleanup := func() error {
		var errs []string
		if err := taskService.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	log.Infow("task service built", "task_store_mode", taskService.StoreMode())
	return &BuildResult{
		Config:      cfg,
		API:         api,
		TaskService: taskService,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
