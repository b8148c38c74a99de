// Package queue schedules book downloads across a bounded worker pool.
// Tasks are served strictly by priority with FIFO order inside each
// priority level, and the queue's state survives restarts through a
// JSON state file.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"gutenberg-fetcher/internal/downloader"
	"gutenberg-fetcher/internal/gutendex"
	"gutenberg-fetcher/internal/shutdown"
	"gutenberg-fetcher/pkg/models"
)

const (
	// DefaultWorkerCount is the worker pool size when none is configured
	DefaultWorkerCount = 3

	// DefaultMaxRetries caps how many times a failed task is requeued
	DefaultMaxRetries = 3

	// DefaultStopTimeout bounds the wait for in-flight transfers during
	// a shutdown-notifier triggered stop
	DefaultStopTimeout = 30 * time.Second
)

// ErrAlreadyCompleted is returned by AddTask for books whose persisted
// record is already completed
var ErrAlreadyCompleted = errors.New("book already downloaded")

// ErrNoSourceURL is returned by AddTask when no download URL can be
// resolved for a book
var ErrNoSourceURL = errors.New("no download URL found for book")

// Options configures a Queue
type Options struct {
	// Store resolves book metadata and completion state. Required.
	Store BookStore

	// Engine executes transfers. Required.
	Engine Downloader

	// Catalog resolves URLs for books the store doesn't know yet.
	// Optional; without it AddTask fails for unknown books.
	Catalog gutendex.CatalogClient

	// StateFile is the JSON path used by SaveState/LoadState
	StateFile string

	// WorkerCount defaults to DefaultWorkerCount.
	WorkerCount int

	// MaxRetries defaults to DefaultMaxRetries.
	MaxRetries int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Queue is a priority worker pool for book downloads
type Queue struct {
	store       BookStore
	engine      Downloader
	catalog     gutendex.CatalogClient
	stateFile   string
	workerCount int
	maxRetries  int
	logger      *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     taskHeap
	nextSeq   uint64
	active    map[int64]*models.DownloadTask
	completed []int64
	failed    []*models.DownloadTask
	enqueued  int
	stopping  bool
	started   bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewQueue creates a download queue
func NewQueue(opts Options) *Queue {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = DefaultWorkerCount
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		store:       opts.Store,
		engine:      opts.Engine,
		catalog:     opts.Catalog,
		stateFile:   opts.StateFile,
		workerCount: opts.WorkerCount,
		maxRetries:  opts.MaxRetries,
		logger:      opts.Logger,
		active:      make(map[int64]*models.DownloadTask),
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// AddTask resolves a source URL for a book and enqueues a transfer.
// Returns ErrAlreadyCompleted for books already downloaded and
// ErrNoSourceURL when no URL can be resolved.
func (q *Queue) AddTask(ctx context.Context, bookID int64, priority models.Priority, outputDir string) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return errors.New("queue is shutting down")
	}
	q.mu.Unlock()

	completed, err := q.store.IsCompleted(bookID)
	if err != nil {
		return fmt.Errorf("failed to check download state: %w", err)
	}
	if completed {
		return fmt.Errorf("%w: book %d", ErrAlreadyCompleted, bookID)
	}

	sourceURL, title, err := q.resolveSource(ctx, bookID)
	if err != nil {
		return err
	}

	if title == "" {
		title = fmt.Sprintf("pg%d", bookID)
	}
	task := &models.DownloadTask{
		Priority:   priority,
		BookID:     bookID,
		SourceURL:  sourceURL,
		OutputPath: filepath.Join(outputDir, models.SafeFilename(title)),
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	}

	q.enqueue(task)
	q.logger.Info("Task queued", "book_id", bookID, "priority", priority.String(), "output_path", task.OutputPath)
	return nil
}

// resolveSource finds a download URL and title for a book, consulting
// the store first and falling back to the catalog API.
func (q *Queue) resolveSource(ctx context.Context, bookID int64) (string, string, error) {
	var title string
	if book, err := q.store.GetBook(bookID); err == nil {
		title = book.Title
		if book.EpubURL != "" {
			return book.EpubURL, title, nil
		}
	}

	if q.catalog == nil {
		return "", "", fmt.Errorf("%w: %d", ErrNoSourceURL, bookID)
	}

	result, err := q.catalog.GetBook(ctx, bookID)
	if err != nil {
		return "", "", fmt.Errorf("%w: %d: %v", ErrNoSourceURL, bookID, err)
	}
	epubURL := result.EpubURL()
	if epubURL == "" {
		return "", "", fmt.Errorf("%w: %d", ErrNoSourceURL, bookID)
	}

	book := &models.Book{
		BookID:        result.ID,
		Title:         result.Title,
		DownloadCount: result.DownloadCount,
		EpubURL:       epubURL,
	}
	if len(result.Languages) > 0 {
		book.Language = result.Languages[0]
	}
	if err := q.store.UpsertBook(book); err != nil {
		q.logger.Warn("Failed to cache book metadata", "book_id", bookID, "error", err)
	}

	return epubURL, result.Title, nil
}

// enqueue inserts a task and wakes one waiting worker
func (q *Queue) enqueue(task *models.DownloadTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Status = models.StatusPending
	heap.Push(&q.tasks, &queueItem{task: task, seq: q.nextSeq})
	q.nextSeq++
	q.enqueued++
	q.cond.Signal()
}

// Start spawns the worker pool. The context is handed to every
// transfer; cancelling it aborts in-flight downloads.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.logger.Info("Starting download workers", "count", q.workerCount)
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// worker drains the queue until stop is requested
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for q.tasks.Len() == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.stopping {
			q.mu.Unlock()
			return
		}

		item := heap.Pop(&q.tasks).(*queueItem)
		task := item.task
		now := time.Now()
		task.Status = models.StatusDownloading
		task.StartedAt = &now
		q.active[task.BookID] = task
		q.mu.Unlock()

		q.logger.Info("Worker picked up task", "worker", id, "book_id", task.BookID, "priority", task.Priority.String())
		err := q.engine.Download(ctx, downloader.Request{
			BookID:     task.BookID,
			SourceURL:  task.SourceURL,
			OutputPath: task.OutputPath,
			RetryCount: task.RetryCount,
			Resumable:  true,
			VerifySize: true,
		})
		q.settle(task, err)
	}
}

// settle moves a finished task out of the active table into a terminal
// list, or requeues it for another round.
func (q *Queue) settle(task *models.DownloadTask, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, task.BookID)

	if err == nil {
		now := time.Now()
		task.Status = models.StatusCompleted
		task.CompletedAt = &now
		q.completed = append(q.completed, task.BookID)
		q.logger.Info("Task completed", "book_id", task.BookID)
		return
	}

	task.ErrorMessage = err.Error()
	task.RetryCount++
	if task.RetryCount >= q.maxRetries {
		now := time.Now()
		task.Status = models.StatusFailed
		task.CompletedAt = &now
		q.failed = append(q.failed, task)
		q.logger.Warn("Task failed permanently", "book_id", task.BookID, "retries", task.RetryCount, "error", err)
		return
	}

	task.Status = models.StatusPending
	heap.Push(&q.tasks, &queueItem{task: task, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
	q.logger.Info("Task requeued after failure", "book_id", task.BookID, "retry", task.RetryCount, "error", err)
}

// Stop signals workers to stop pulling work, waits up to timeout for
// in-flight transfers, and optionally serializes queue state. Workers
// that outlive the timeout are abandoned; their tasks stay in the
// active table and are saved as outstanding. Idempotent.
func (q *Queue) Stop(saveState bool, timeout time.Duration) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		q.cond.Broadcast()
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			q.logger.Info("All workers finished")
		case <-time.After(timeout):
			q.logger.Warn("Timed out waiting for workers, abandoning in-flight transfers", "timeout", timeout)
		}

		if saveState {
			q.stopErr = q.SaveState()
		}
	})

	return q.stopErr
}

// RegisterShutdown hooks the queue's graceful stop into a process-wide
// shutdown notifier.
func (q *Queue) RegisterShutdown(notifier *shutdown.Notifier) {
	notifier.RegisterCallback(func() {
		if err := q.Stop(true, DefaultStopTimeout); err != nil {
			q.logger.Error("Failed to save queue state during shutdown", "error", err)
		}
	})
}

// ActiveTask is one in-flight entry in a status snapshot
type ActiveTask struct {
	BookID    int64         `json:"book_id"`
	Status    models.Status `json:"status"`
	StartedAt time.Time     `json:"started_at"`
}

// Snapshot is a point-in-time view of queue state
type Snapshot struct {
	QueueDepth  int          `json:"queue_depth"`
	Downloading int          `json:"downloading"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Enqueued    int          `json:"enqueued"`
	WorkerCount int          `json:"worker_count"`
	Active      []ActiveTask `json:"active"`
}

// Status returns a consistent snapshot of counters and active tasks
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := Snapshot{
		QueueDepth:  q.tasks.Len(),
		Downloading: len(q.active),
		Completed:   len(q.completed),
		Failed:      len(q.failed),
		Enqueued:    q.enqueued,
		WorkerCount: q.workerCount,
		Active:      make([]ActiveTask, 0, len(q.active)),
	}
	for _, task := range q.active {
		entry := ActiveTask{BookID: task.BookID, Status: task.Status}
		if task.StartedAt != nil {
			entry.StartedAt = *task.StartedAt
		}
		snapshot.Active = append(snapshot.Active, entry)
	}

	return snapshot
}
