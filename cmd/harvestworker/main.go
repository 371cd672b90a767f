// Package main is the per-job worker sub-process. The supervisor spawns
// one of these per admitted job with the job id in argv; it opens its own
// state-store connection, runs the crawl → classify → upload pipeline and
// exits 0 on success (or clean cancellation), non-zero on error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/classifier"
	"github.com/absnate/docharvester/internal/clock/system"
	"github.com/absnate/docharvester/internal/config"
	"github.com/absnate/docharvester/internal/crawler"
	"github.com/absnate/docharvester/internal/fetcher/antibot"
	"github.com/absnate/docharvester/internal/fetcher/direct"
	"github.com/absnate/docharvester/internal/fetcher/headless"
	"github.com/absnate/docharvester/internal/harvest"
	"github.com/absnate/docharvester/internal/id/uuid"
	"github.com/absnate/docharvester/internal/logging"
	"github.com/absnate/docharvester/internal/spool"
	"github.com/absnate/docharvester/internal/store/postgres"
	"github.com/absnate/docharvester/internal/uploader/graph"
	"github.com/absnate/docharvester/internal/worker"
)

func main() {
	jobID := flag.String("job", "", "Job id to execute")
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "missing required -job flag")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewWorker(*jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// SIGTERM from the supervisor starts the cooperative shutdown path.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, *jobID, logger); err != nil {
		if errors.Is(err, worker.ErrCancelled) {
			logger.Info("worker exiting after cancellation")
			return
		}
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, jobID string, logger *zap.Logger) error {
	clock := system.New()
	store, err := postgres.New(ctx, cfg.Store.URL, clock)
	if err != nil {
		return fmt.Errorf("state store init: %w", err)
	}
	defer store.Close()

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	directFetcher := direct.New(direct.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
	})
	downloader := direct.NewDownloader(cfg.Crawler.UserAgent, 2*time.Minute)

	var browserTier harvest.Fetcher
	if cfg.Headless.Enabled && job.Kind == harvest.JobKindCrawl {
		browser := headless.New(headless.Config{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		defer browser.Close()
		browserTier = browser
	}

	engine := crawler.New(directFetcher, browserTier, antibot.New(), crawler.Config{
		MaxPages:     cfg.Crawler.MaxPages,
		MaxDepth:     cfg.Crawler.MaxDepth,
		Concurrency:  cfg.Crawler.PerHostFetches,
		PerHostRPS:   cfg.Crawler.PerHostRPS,
		ProductLines: job.ProductLines,
	}, logger.Named("crawler"))

	var oracle classifier.Oracle
	if cfg.Classifier.APIKey != "" {
		oracle = classifier.NewAnthropicOracle(cfg.Classifier.APIKey, cfg.Classifier.Model)
	} else {
		logger.Warn("no classifier credential configured, filename heuristic only")
	}
	classify := classifier.New(oracle, classifier.Config{
		Timeout: time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
	}, logger.Named("classifier"))

	uploads := graph.New(graph.Config{
		TenantID:     cfg.Uploader.TenantID,
		ClientID:     cfg.Uploader.ClientID,
		ClientSecret: cfg.Uploader.ClientSecret,
		SiteURL:      cfg.Uploader.SiteURL,
		ChunkBytes:   cfg.Uploader.ChunkBytes,
		MaxAttempts:  cfg.Uploader.MaxAttempts,
	}, logger.Named("uploader"))

	staging, err := spool.New(cfg.Spool.BaseDir)
	if err != nil {
		return fmt.Errorf("spool init: %w", err)
	}

	w := worker.New(worker.Deps{
		Jobs:       store,
		Pdfs:       store,
		Schedules:  store,
		Engine:     engine,
		Downloader: downloader,
		Classifier: classify,
		Uploader:   uploads,
		Spool:      staging,
		IDs:        uuid.New(),
		Clock:      clock,
	}, worker.Config{
		ClassifyConcurrency: cfg.Classifier.MaxConcurrent,
		UploadConcurrency:   cfg.Uploader.MaxConcurrent,
	}, logger)

	logger.Info("worker pipeline starting", zap.String("kind", string(job.Kind)))
	return w.Run(ctx, jobID)
}
