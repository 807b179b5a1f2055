// internal/queue/priority_queue.go
package queue

import (
	"container/heap"
	"sort"
	"sync"

	"batch-ingest/internal/domain"
)

type batchHeap []*domain.Batch

func (h batchHeap) Len() int           { return len(h) }
func (h batchHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h batchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *batchHeap) Push(x any) {
	*h = append(*h, x.(*domain.Batch))
}

func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return b
}

// PriorityQueue holds the pending batches in dispatch order: priority rank
// first, then creation time, then creation sequence. It is safe for
// concurrent use and never blocks.
type PriorityQueue struct {
	mu    sync.Mutex
	heap  batchHeap
	index map[string]struct{}
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{index: make(map[string]struct{})}
}

// EnqueueMany adds all batches in one critical section. Batches already
// queued are ignored.
func (q *PriorityQueue) EnqueueMany(batches ...*domain.Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range batches {
		if _, ok := q.index[b.ID]; ok {
			continue
		}
		heap.Push(&q.heap, b)
		q.index[b.ID] = struct{}{}
	}
}

// DequeueNext removes and returns the head of the order, or nil when empty.
func (q *PriorityQueue) DequeueNext() *domain.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	b := heap.Pop(&q.heap).(*domain.Batch)
	delete(q.index, b.ID)
	return b
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Pending returns the queued batches in the order they will be dispatched.
func (q *PriorityQueue) Pending() []*domain.Batch {
	q.mu.Lock()
	out := make([]*domain.Batch, len(q.heap))
	copy(out, q.heap)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PendingByPriority counts queued batches per tier.
func (q *PriorityQueue) PendingByPriority() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[domain.Priority]int, len(domain.Priorities))
	for _, p := range domain.Priorities {
		counts[p] = 0
	}
	for _, b := range q.heap {
		counts[b.Priority]++
	}
	return counts
}
