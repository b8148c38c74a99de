package queue

import "gutenberg-fetcher/pkg/models"

// queueItem pairs a task with its arrival sequence number so that
// equal-priority tasks dequeue in enqueue order.
type queueItem struct {
	task *models.DownloadTask
	seq  uint64
}

// taskHeap orders items by priority value then arrival. Not safe for
// concurrent use; the queue's lock guards every access.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*queueItem))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
