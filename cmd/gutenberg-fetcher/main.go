package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gutenberg-fetcher/internal/config"
	"gutenberg-fetcher/internal/database"
	"gutenberg-fetcher/internal/discovery"
	"gutenberg-fetcher/internal/downloader"
	"gutenberg-fetcher/internal/gutendex"
	"gutenberg-fetcher/internal/mirror"
	"gutenberg-fetcher/internal/queue"
	"gutenberg-fetcher/internal/shutdown"
	"gutenberg-fetcher/pkg/models"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup structured logging
	setupLogging(cfg.LogLevel)

	slog.Info("Starting Gutenberg Fetcher", "version", "1.0.0")

	bookIDs, err := parseBookIDs(os.Args[1:])
	if err != nil {
		return err
	}

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	// Initialize mirror manager
	var mirrors *mirror.Manager
	if cfg.MirrorsEnabled {
		mirrors = mirror.NewManager(mirror.Options{
			ConfigPath: cfg.MirrorsFile,
			UserAgent:  cfg.UserAgent,
			Timeout:    time.Duration(cfg.RequestTimeoutSecs) * time.Second,
		})
		defer func() {
			if err := mirrors.Close(); err != nil {
				slog.Error("Failed to save mirror state", "error", err)
			}
		}()
	}

	catalog := gutendex.New(cfg.UserAgent)

	engineOpts := downloader.Options{
		Store:               db,
		IncompleteThreshold: cfg.IncompleteThreshold,
		UserAgent:           cfg.UserAgent,
	}
	if mirrors != nil {
		engineOpts.Mirrors = mirrors
	}
	engine := downloader.NewEngine(engineOpts)

	downloadQueue := queue.NewQueue(queue.Options{
		Store:       db,
		Engine:      engine,
		Catalog:     catalog,
		StateFile:   cfg.QueueStateFile,
		WorkerCount: cfg.WorkerCount,
		MaxRetries:  cfg.MaxRetries,
	})

	return runQueue(cfg, mirrors, catalog, db, engine, downloadQueue, bookIDs)
}

func runQueue(cfg *config.Config, mirrors *mirror.Manager, catalog *gutendex.Client, db *database.DB, engine *downloader.Engine, downloadQueue *queue.Queue, bookIDs []int64) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: first signal drains and saves state, second
	// forces an exit
	notifier := shutdown.NewNotifier(nil)
	notifier.Listen()
	defer notifier.Stop()
	downloadQueue.RegisterShutdown(notifier)
	notifier.RegisterCallback(cancel)

	// Probe mirror health before handing URLs out
	if mirrors != nil {
		probeCtx, probeCancel := context.WithTimeout(ctx, time.Duration(cfg.RequestTimeoutSecs)*time.Second)
		results := mirrors.CheckAll(probeCtx)
		probeCancel()
		healthy := 0
		for _, ok := range results {
			if ok {
				healthy++
			}
		}
		slog.Info("Mirror health check finished", "healthy", healthy, "total", len(results))
	}

	// Restore any queue left over from a previous run
	if err := downloadQueue.LoadState(); err != nil {
		slog.Error("Failed to load queue state", "error", err)
	}

	resumeIncomplete(ctx, cfg, db, engine)

	// Resolve requested books up front so unknown ids fail fast
	if len(bookIDs) > 0 {
		resolver := discovery.NewResolver(catalog, db, cfg.ResolveConcurrency, nil)
		results, resolved, failed := resolver.ResolveAll(ctx, bookIDs)
		slog.Info("Resolved requested books", "resolved", resolved, "failed", failed)

		for _, result := range results {
			if result.Err != nil {
				continue
			}
			err := downloadQueue.AddTask(ctx, result.BookID, models.PriorityNormal, cfg.DownloadDir)
			switch {
			case errors.Is(err, queue.ErrAlreadyCompleted):
				slog.Info("Book already downloaded, skipping", "book_id", result.BookID)
			case err != nil:
				slog.Warn("Failed to queue book", "book_id", result.BookID, "error", err)
			}
		}
	}

	status := downloadQueue.Status()
	if status.QueueDepth == 0 {
		slog.Info("Nothing to download")
		return nil
	}

	downloadQueue.Start(ctx)

	// Wait for the queue to drain or a shutdown request
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The notifier's callback already stopped the queue and
			// saved its state
			slog.Info("Shutdown requested, exiting")
			return nil
		case <-ticker.C:
		}

		status = downloadQueue.Status()
		if status.QueueDepth == 0 && status.Downloading == 0 {
			break
		}
	}

	if err := downloadQueue.Stop(false, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop queue: %w", err)
	}

	status = downloadQueue.Status()
	slog.Info("All downloads finished",
		"completed", status.Completed,
		"failed", status.Failed,
		"requested", status.Enqueued)

	if counts, err := db.CountByStatus(); err == nil {
		slog.Info("Download records by status",
			"completed", counts[models.StatusCompleted],
			"failed", counts[models.StatusFailed],
			"downloading", counts[models.StatusDownloading])
	}
	return nil
}

// resumeIncomplete finishes off undersized files left behind by a
// previous run, using the source URLs recorded in the store.
func resumeIncomplete(ctx context.Context, cfg *config.Config, db *database.DB, engine *downloader.Engine) {
	paths, err := engine.FindIncompleteDownloads(cfg.DownloadDir)
	if err != nil || len(paths) == 0 {
		return
	}

	pending, err := db.GetPendingStates(1000)
	if err != nil {
		slog.Warn("Failed to look up pending download records", "error", err)
		return
	}

	urls := make(map[string]string, len(pending))
	for _, record := range pending {
		url, err := db.EpubURL(record.BookID)
		if err != nil {
			continue
		}
		urls[record.DownloadPath] = url
	}

	results := engine.ResumeIncompleteDownloads(ctx, paths, urls)
	resumed := 0
	for _, ok := range results {
		if ok {
			resumed++
		}
	}
	slog.Info("Resumed incomplete downloads", "found", len(paths), "resumed", resumed)
}

// parseBookIDs reads book ids from command-line arguments
func parseBookIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid book id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// setupLogging configures structured logging based on the log level
func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
