// Package discovery resolves batches of book ids to download URLs
// ahead of queueing, with its own concurrency bound so metadata fan-out
// can be tuned independently of transfer workers.
package discovery

import (
	"context"
	"log/slog"
	"sync"

	"gutenberg-fetcher/internal/gutendex"
	"gutenberg-fetcher/pkg/models"
)

// DefaultConcurrency bounds parallel catalog lookups
const DefaultConcurrency = 5

// BookWriter caches resolved metadata
type BookWriter interface {
	UpsertBook(book *models.Book) error
}

// Result is the outcome of resolving one book id
type Result struct {
	BookID  int64
	EpubURL string
	Err     error
}

// Resolver fans catalog lookups out under a counting semaphore
type Resolver struct {
	catalog     gutendex.CatalogClient
	store       BookWriter
	concurrency int
	logger      *slog.Logger
}

// NewResolver creates a resolver. The store is optional; when set,
// every successful lookup is cached in it.
func NewResolver(catalog gutendex.CatalogClient, store BookWriter, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		catalog:     catalog,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ResolveAll looks up every book id and returns per-id results plus
// success and failure counts. Individual failures never abort the
// batch; a cancelled context fails the remaining lookups.
func (r *Resolver) ResolveAll(ctx context.Context, bookIDs []int64) ([]Result, int, int) {
	results := make([]Result, len(bookIDs))
	semaphore := make(chan struct{}, r.concurrency)

	var wg sync.WaitGroup
	for i, bookID := range bookIDs {
		wg.Add(1)
		go func(i int, bookID int64) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{BookID: bookID, Err: ctx.Err()}
				return
			}
			defer func() { <-semaphore }()

			results[i] = r.resolve(ctx, bookID)
		}(i, bookID)
	}
	wg.Wait()

	success, failed := 0, 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		success++
	}

	r.logger.Info("Metadata resolution finished", "total", len(bookIDs), "success", success, "failed", failed)
	return results, success, failed
}

// resolve looks one book up and caches its metadata
func (r *Resolver) resolve(ctx context.Context, bookID int64) Result {
	book, err := r.catalog.GetBook(ctx, bookID)
	if err != nil {
		r.logger.Warn("Failed to resolve book", "book_id", bookID, "error", err)
		return Result{BookID: bookID, Err: err}
	}

	epubURL := book.EpubURL()
	if epubURL == "" {
		r.logger.Warn("Book has no EPUB rendition", "book_id", bookID)
		return Result{BookID: bookID, Err: gutendex.ErrNoEpub}
	}

	if r.store != nil {
		record := &models.Book{
			BookID:        book.ID,
			Title:         book.Title,
			DownloadCount: book.DownloadCount,
			EpubURL:       epubURL,
		}
		if len(book.Languages) > 0 {
			record.Language = book.Languages[0]
		}
		if err := r.store.UpsertBook(record); err != nil {
			r.logger.Warn("Failed to cache book metadata", "book_id", bookID, "error", err)
		}
	}

	return Result{BookID: bookID, EpubURL: epubURL}
}
