package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/taskapp/internal/app"
	"github.com/ent0n29/taskapp/internal/config"
	"github.com/ent0n29/taskapp/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The store retries its first connection until DATABASE_CONNECT_TIMEOUT;
	// a signal during that wait aborts startup.
	built, err := app.Build(sigCtx, cfg, log)
	if err != nil {
		log.Fatalw("startup failed", "error", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Errorw("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", cfg.BindAddr, "task_store_mode", built.TaskService.StoreMode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-sigCtx.Done():
		log.Infow("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Errorw("listen error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	log.Infow("shutdown complete")
}
