package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jo-hoe/subtitler/internal/artifacts"
	appcfg "github.com/jo-hoe/subtitler/internal/config"
	"github.com/jo-hoe/subtitler/internal/jobs"
	"github.com/jo-hoe/subtitler/internal/processor"
	"github.com/jo-hoe/subtitler/internal/server"
	"github.com/jo-hoe/subtitler/internal/storage"
	"github.com/jo-hoe/subtitler/internal/transcriber"
	"github.com/jo-hoe/subtitler/internal/transcriber/mock"
)

func main() {
	// Optional .env for local runs; missing file is fine.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Store (SQLite): result records, dispatch queue, cancellation registry
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Uploader
	uploader := storage.NewUploader(cfg.Server.StorageDir)

	// Transcriber provider
	var tr transcriber.Transcriber
	switch cfg.Transcriber.Provider {
	case "mock":
		tr = mock.New(cfg.Transcriber.Mock)
	default:
		logger.Error("unsupported transcriber provider", "provider", cfg.Transcriber.Provider)
		os.Exit(1)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Artifact lifecycle: delayed file deletion and expired-record sweep
	reaper := artifacts.NewReaper(logger)
	reaper.Start(rootCtx)
	go artifacts.SweepExpired(rootCtx, logger, store, cfg.Retention.SweepEvery)

	// Worker pool and dispatch queue
	worker := processor.New(logger, cfg, store, tr, reaper)
	queue := jobs.NewQueue(logger, store, cfg.Worker.Count, cfg.Worker.PollInterval, cfg.Worker.Lease(), cfg.Retention.Record)
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:      logger,
		Cfg:      cfg,
		Store:    store,
		Queue:    queue,
		Uploader: uploader,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; unfinished jobs are redelivered on restart once their
	// lease lapses.
	queue.Shutdown(cfg.Server.ShutdownGrace)
	reaper.Wait()
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
