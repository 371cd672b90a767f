// Package main wires together the harvester service: API, supervisor and
// scheduler in one process; per-job work runs in harvestworker
// sub-processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/api"
	"github.com/absnate/docharvester/internal/clock/system"
	"github.com/absnate/docharvester/internal/config"
	"github.com/absnate/docharvester/internal/id/uuid"
	"github.com/absnate/docharvester/internal/logging"
	"github.com/absnate/docharvester/internal/metrics"
	"github.com/absnate/docharvester/internal/scheduler"
	"github.com/absnate/docharvester/internal/store/postgres"
	"github.com/absnate/docharvester/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	store, err := postgres.New(ctx, cfg.Store.URL, clock)
	if err != nil {
		logger.Fatal("state store init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	idGen := uuid.New()

	workerBinary, err := resolveWorkerBinary(cfg.Supervisor.WorkerBinary)
	if err != nil {
		logger.Fatal("worker binary not found", zap.Error(err))
	}
	launcher := &supervisor.ExecLauncher{
		Binary:     workerBinary,
		ConfigPath: *cfgPath,
	}
	sup := supervisor.New(store, launcher, clock, supervisor.Config{
		MaxConcurrentJobs: cfg.Supervisor.MaxConcurrentJobs,
		GracePeriod:       cfg.GracePeriod(),
		JobWallClock:      cfg.JobWallClock(),
	}, logger.Named("supervisor"))

	sched, err := scheduler.New(store, store, idGen, clock, logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	apiServer := api.NewServer(store, store, store, idGen,
		cfg.Supervisor.UploadDir, logger.Named("api"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("supervisor started",
			zap.Int("max_concurrent_jobs", cfg.Supervisor.MaxConcurrentJobs))
		sup.Run(ctx)
	}()

	if cfg.Store.RetentionDays > 0 {
		go runRetention(ctx, store, clock, cfg.Store.RetentionDays, logger)
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// resolveWorkerBinary accepts an absolute path, a sibling of the service
// binary, or a name on PATH.
func resolveWorkerBinary(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("worker binary %s: %w", name, err)
		}
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("worker binary %q not on PATH: %w", name, err)
	}
	return path, nil
}

// runRetention expires terminal jobs past the retention window once a day.
func runRetention(ctx context.Context, store *postgres.Store, clock *system.Clock, days int, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := clock.Now().AddDate(0, 0, -days)
		purged, err := store.PurgeFinishedBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("retention purge failed", zap.Error(err))
		} else if purged > 0 {
			logger.Info("retention purge", zap.Int64("jobs_purged", purged))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
