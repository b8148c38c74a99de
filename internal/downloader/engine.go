// Package downloader implements the resumable download engine: one
// file transfer with byte-range resume, size verification, retry with
// exponential backoff, and mirror failover.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gutenberg-fetcher/pkg/models"
)

const (
	// DefaultMaxAttempts caps retries within one Download call
	DefaultMaxAttempts = 3

	// DefaultChunkSize is the read buffer size for streaming bodies
	DefaultChunkSize = 8192

	// DefaultIncompleteThreshold flags produced files smaller than this
	// as likely-incomplete
	DefaultIncompleteThreshold int64 = 10 * 1024

	// stateUpdateInterval is how many bytes pass between persisted
	// progress updates during a transfer
	stateUpdateInterval int64 = 1024 * 1024
)

// ErrNotFound indicates the host responded 404 for the resource
var ErrNotFound = errors.New("resource not found on host")

// Options configures an Engine
type Options struct {
	// Store persists per-book download records. Optional.
	Store DownloadStore

	// Mirrors enables mirror selection and failover. Optional; when nil
	// every attempt goes against the request's source URL.
	Mirrors MirrorSelector

	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int

	// IncompleteThreshold defaults to DefaultIncompleteThreshold.
	IncompleteThreshold int64

	// Timeout for a whole transfer attempt. Default: 1h.
	Timeout time.Duration

	// UserAgent sent with requests.
	UserAgent string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine transfers one resource to one local path per call. It holds no
// cross-call state and is safe for concurrent use; concurrency limiting
// is the caller's responsibility.
type Engine struct {
	client              *http.Client
	store               DownloadStore
	mirrors             MirrorSelector
	maxAttempts         int
	chunkSize           int
	incompleteThreshold int64
	userAgent           string
	logger              *slog.Logger

	// Injectable backoff wait, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a download engine
func NewEngine(opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.IncompleteThreshold <= 0 {
		opts.IncompleteThreshold = DefaultIncompleteThreshold
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		client:              &http.Client{Timeout: opts.Timeout},
		store:               opts.Store,
		mirrors:             opts.Mirrors,
		maxAttempts:         opts.MaxAttempts,
		chunkSize:           opts.ChunkSize,
		incompleteThreshold: opts.IncompleteThreshold,
		userAgent:           opts.UserAgent,
		logger:              opts.Logger,
		sleep:               sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Request describes one transfer. A zero BookID means the transfer is
// pinned to SourceURL; mirror selection and rotation only apply when a
// book id is known.
type Request struct {
	BookID     int64
	SourceURL  string
	OutputPath string

	// RetryCount is the caller's requeue count for this book, carried
	// into the persisted download record.
	RetryCount int

	// Resumable appends to an existing partial file via a range request
	Resumable bool

	// VerifySize fails the transfer when the written size does not
	// match the server-reported size
	VerifySize bool

	// Progress is invoked after each chunk. Optional.
	Progress ProgressFunc
}

// Download performs one transfer, retrying with exponential backoff and
// failing over across mirrors. A nil return means the file is complete
// on disk and the persisted record is marked completed.
func (e *Engine) Download(ctx context.Context, req Request) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var lastErr error
	var nextURL, nextBase string
	var knownTotal int64
	rotated := false

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		url, base := req.SourceURL, ""
		switch {
		case rotated:
			url, base = nextURL, nextBase
			rotated = false
		case e.mirrors != nil && req.BookID != 0:
			url, base = e.mirrors.BookURL(req.BookID)
		}

		total, err := e.attempt(ctx, url, req)
		if total > 0 {
			knownTotal = total
		}
		if err == nil {
			if e.mirrors != nil && base != "" {
				e.mirrors.ReportSuccess(base)
				e.mirrors.RecordAvailability(req.BookID, base)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}

		if e.mirrors != nil && base != "" {
			e.mirrors.ReportFailure(base)
		}
		e.recordFailure(req, err, knownTotal, attempt == e.maxAttempts-1)

		// A 404 means this host doesn't carry the book: rotate to a new
		// mirror immediately instead of backing off against the same
		// host.
		if errors.Is(err, ErrNotFound) && e.mirrors != nil && req.BookID != 0 {
			nextURL, nextBase = e.mirrors.BookURL(req.BookID)
			if nextURL == url {
				e.logger.Warn("Mirror rotation returned the failing URL, giving up", "book_id", req.BookID, "url", url)
				return lastErr
			}
			e.logger.Info("Book not on mirror, rotating", "book_id", req.BookID, "failed_url", url, "next_url", nextURL)
			rotated = true
			continue
		}

		if attempt < e.maxAttempts-1 {
			backoff := time.Duration(1<<uint(attempt+1)) * time.Second
			e.logger.Warn("Download attempt failed, backing off",
				"book_id", req.BookID,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err)
			if err := e.sleep(ctx, backoff); err != nil {
				return lastErr
			}
		}
	}

	return lastErr
}

// attempt performs a single transfer against one URL. The returned
// total is the server-reported size when known, even when the attempt
// fails partway.
func (e *Engine) attempt(ctx context.Context, url string, req Request) (int64, error) {
	var existingSize int64
	if req.Resumable {
		if stat, err := os.Stat(req.OutputPath); err == nil && stat.Size() > 0 {
			existingSize = stat.Size()
			e.logger.Info("Resuming download", "book_id", req.BookID, "resume_from", existingSize)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if e.userAgent != "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	if existingSize > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to start download: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return 0, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	// A 200 despite our range request means the server ignored it; drop
	// the resume assumption and rewrite from zero.
	if existingSize > 0 && resp.StatusCode != http.StatusPartialContent {
		e.logger.Warn("Server ignored range request, restarting from zero", "book_id", req.BookID)
		existingSize = 0
	}

	var totalBytes int64
	if resp.ContentLength > 0 {
		totalBytes = resp.ContentLength + existingSize
	}

	e.recordProgress(req, models.StatusDownloading, existingSize, totalBytes, "")

	var file *os.File
	if existingSize > 0 {
		file, err = os.OpenFile(req.OutputPath, os.O_APPEND|os.O_WRONLY, 0o644)
	} else {
		file, err = os.Create(req.OutputPath)
	}
	if err != nil {
		return totalBytes, fmt.Errorf("failed to open output file: %w", err)
	}
	defer file.Close()

	written, err := e.copyChunks(ctx, file, resp.Body, req, existingSize, totalBytes)
	if err != nil {
		return totalBytes, err
	}

	if err := e.verifyWritten(req, written, totalBytes); err != nil {
		return totalBytes, err
	}

	e.recordProgress(req, models.StatusCompleted, written, totalBytes, "")
	e.logger.Info("Download completed", "book_id", req.BookID, "path", req.OutputPath, "bytes", written)
	return totalBytes, nil
}

// verifyWritten checks the final size against the server-reported
// total when the request asks for verification. An undersized
// non-resumable file is removed; a resumable one is kept so a later
// range request can finish it.
func (e *Engine) verifyWritten(req Request, written, totalBytes int64) error {
	if !req.VerifySize || totalBytes <= 0 || written == totalBytes {
		return nil
	}

	if !req.Resumable {
		if err := os.Remove(req.OutputPath); err != nil {
			e.logger.Warn("Failed to remove undersized file", "path", req.OutputPath, "error", err)
		}
	}
	return fmt.Errorf("size mismatch: wrote %d bytes, expected %d", written, totalBytes)
}

// copyChunks streams the body to the file in fixed-size chunks,
// invoking the progress observer and persisting periodic updates.
func (e *Engine) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, req Request, existingSize, totalBytes int64) (int64, error) {
	buffer := make([]byte, e.chunkSize)
	written := existingSize
	lastPersisted := existingSize

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return written, fmt.Errorf("failed to write to file: %w", writeErr)
			}
			written += int64(n)

			if req.Progress != nil {
				req.Progress(written, totalBytes)
			}

			if written-lastPersisted >= stateUpdateInterval {
				e.recordProgress(req, models.StatusDownloading, written, totalBytes, "")
				lastPersisted = written
			}
		}

		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("failed to read from response: %w", err)
		}
	}
}

// recordProgress writes the persisted download record, when a store is
// configured
func (e *Engine) recordProgress(req Request, status models.Status, bytesDownloaded, totalBytes int64, errorMessage string) {
	if e.store == nil {
		return
	}

	record := &models.Download{
		BookID:          req.BookID,
		DownloadPath:    req.OutputPath,
		Status:          status,
		BytesDownloaded: bytesDownloaded,
		TotalBytes:      totalBytes,
		ErrorMessage:    errorMessage,
		RetryCount:      req.RetryCount,
		UpdatedAt:       time.Now(),
	}
	if err := e.store.UpsertDownloadState(record); err != nil {
		e.logger.Warn("Failed to persist download state", "book_id", req.BookID, "error", err)
	}
}

// recordFailure persists a failed or retrying state after an attempt,
// keeping the last server-reported total when one is known.
func (e *Engine) recordFailure(req Request, attemptErr error, knownTotal int64, final bool) {
	status := models.StatusDownloading
	if final {
		status = models.StatusFailed
	}

	var size int64
	if stat, err := os.Stat(req.OutputPath); err == nil {
		size = stat.Size()
	}
	e.recordProgress(req, status, size, knownTotal, attemptErr.Error())
}

// FindIncompleteDownloads scans a directory for produced files under
// the incomplete-size threshold, returning their paths.
func (e *Engine) FindIncompleteDownloads(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var incomplete []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < e.incompleteThreshold {
			incomplete = append(incomplete, filepath.Join(dir, entry.Name()))
		}
	}

	return incomplete, nil
}

// ResumeIncompleteDownloads re-runs each flagged path in resumable mode
// using its recorded source URL. Results are reported per path; one
// failure never aborts the batch.
func (e *Engine) ResumeIncompleteDownloads(ctx context.Context, paths []string, urlMapping map[string]string) map[string]bool {
	results := make(map[string]bool, len(paths))

	for _, path := range paths {
		url, ok := urlMapping[path]
		if !ok {
			e.logger.Warn("No source URL recorded for incomplete file", "path", path)
			results[path] = false
			continue
		}

		err := e.Download(ctx, Request{
			SourceURL:  url,
			OutputPath: path,
			Resumable:  true,
			VerifySize: true,
		})
		results[path] = err == nil
		if err != nil {
			e.logger.Warn("Failed to resume incomplete download", "path", path, "error", err)
		}
	}

	return results
}
