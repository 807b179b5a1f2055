// internal/domain/batch.go
package domain

import (
	"fmt"
	"sync"
	"time"
)

// DefaultBatchSize is the maximum number of work items grouped into one batch.
const DefaultBatchSize = 3

// BatchStatus defines the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusPending BatchStatus = "yet_to_start"
	BatchStatusRunning BatchStatus = "triggered"
	BatchStatusDone    BatchStatus = "completed"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusRunning, BatchStatusDone:
		return true
	}
	return false
}

// Batch is a group of at most DefaultBatchSize work items dispatched as one unit.
// Everything but the status is fixed at creation.
type Batch struct {
	ID          string
	IngestionID string
	Items       []WorkItem
	Priority    Priority
	CreatedAt   time.Time
	// Seq breaks ties between batches created at the same instant.
	Seq uint64

	mu          sync.RWMutex
	status      BatchStatus
	startedAt   time.Time
	finishedAt  time.Time
	failedItems int
}

// NewBatch creates a pending batch. The items slice is copied.
func NewBatch(id, ingestionID string, items []WorkItem, priority Priority, createdAt time.Time, seq uint64) *Batch {
	owned := make([]WorkItem, len(items))
	copy(owned, items)
	return &Batch{
		ID:          id,
		IngestionID: ingestionID,
		Items:       owned,
		Priority:    priority,
		CreatedAt:   createdAt,
		Seq:         seq,
		status:      BatchStatusPending,
	}
}

func (b *Batch) Status() BatchStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// MarkRunning moves a pending batch to running.
func (b *Batch) MarkRunning(at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != BatchStatusPending {
		return fmt.Errorf("%w: batch %s is %s, want %s", ErrInvalidTransition, b.ID, b.status, BatchStatusPending)
	}
	b.status = BatchStatusRunning
	b.startedAt = at
	return nil
}

// MarkDone moves a running batch to done, recording how many items failed.
func (b *Batch) MarkDone(at time.Time, failedItems int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != BatchStatusRunning {
		return fmt.Errorf("%w: batch %s is %s, want %s", ErrInvalidTransition, b.ID, b.status, BatchStatusRunning)
	}
	b.status = BatchStatusDone
	b.finishedAt = at
	b.failedItems = failedItems
	return nil
}

// Less reports whether b must be dispatched before other.
func (b *Batch) Less(other *Batch) bool {
	if b.Priority.Rank() != other.Priority.Rank() {
		return b.Priority.Rank() < other.Priority.Rank()
	}
	if !b.CreatedAt.Equal(other.CreatedAt) {
		return b.CreatedAt.Before(other.CreatedAt)
	}
	return b.Seq < other.Seq
}

// BatchView is a point-in-time copy of a batch, safe to encode.
type BatchView struct {
	BatchID     string      `json:"batch_id"`
	IDs         []WorkItem  `json:"ids"`
	Status      BatchStatus `json:"status"`
	Priority    Priority    `json:"priority"`
	CreatedTime int64       `json:"created_time"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	FailedItems int         `json:"failed_items,omitempty"`
}

func (b *Batch) Snapshot() BatchView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	view := BatchView{
		BatchID:     b.ID,
		IDs:         b.Items,
		Status:      b.status,
		Priority:    b.Priority,
		CreatedTime: b.CreatedAt.UnixMilli(),
		FailedItems: b.failedItems,
	}
	if !b.startedAt.IsZero() {
		t := b.startedAt
		view.StartedAt = &t
	}
	if !b.finishedAt.IsZero() {
		t := b.finishedAt
		view.FinishedAt = &t
	}
	return view
}

// SplitItems cuts items into consecutive chunks of at most size elements.
func SplitItems(items []WorkItem, size int) [][]WorkItem {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]WorkItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
