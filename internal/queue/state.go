package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gutenberg-fetcher/pkg/models"
)

// queueState is the JSON layout of the persisted state file
type queueState struct {
	Queued    []*models.DownloadTask `json:"queued"`
	Active    []*models.DownloadTask `json:"active"`
	Completed []int64                `json:"completed"`
	Failed    []*models.DownloadTask `json:"failed"`
}

// SaveState serializes the outstanding queue to the state file. Active
// tasks are saved alongside queued ones; both come back as pending on
// the next load.
func (q *Queue) SaveState() error {
	if q.stateFile == "" {
		return nil
	}

	q.mu.Lock()
	state := queueState{
		Queued:    make([]*models.DownloadTask, 0, q.tasks.Len()),
		Active:    make([]*models.DownloadTask, 0, len(q.active)),
		Completed: append([]int64(nil), q.completed...),
		Failed:    append([]*models.DownloadTask(nil), q.failed...),
	}

	items := append(taskHeap(nil), q.tasks...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].task.Priority != items[j].task.Priority {
			return items[i].task.Priority < items[j].task.Priority
		}
		return items[i].seq < items[j].seq
	})
	for _, item := range items {
		state.Queued = append(state.Queued, item.task)
	}
	for _, task := range q.active {
		state.Active = append(state.Active, task)
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if dir := filepath.Dir(q.stateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if err := os.WriteFile(q.stateFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}

	q.logger.Info("Queue state saved", "path", q.stateFile,
		"queued", len(state.Queued), "active", len(state.Active),
		"completed", len(state.Completed), "failed", len(state.Failed))
	return nil
}

// LoadState repopulates the queue from the state file. Previously
// active tasks are requeued as pending, since no transfer survives a
// restart. A missing file is not an error.
func (q *Queue) LoadState() error {
	if q.stateFile == "" {
		return nil
	}

	data, err := os.ReadFile(q.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read queue state: %w", err)
	}

	var state queueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse queue state: %w", err)
	}

	for _, task := range state.Queued {
		task.StartedAt = nil
		q.enqueue(task)
	}
	for _, task := range state.Active {
		task.StartedAt = nil
		q.enqueue(task)
	}

	q.mu.Lock()
	q.completed = append(q.completed, state.Completed...)
	q.failed = append(q.failed, state.Failed...)
	q.mu.Unlock()

	q.logger.Info("Queue state loaded", "path", q.stateFile,
		"restored", len(state.Queued)+len(state.Active))
	return nil
}
