// internal/domain/ingestion.go
package domain

import "time"

// Ingestion is one caller submission and owns the batches built from it.
type Ingestion struct {
	ID        string
	Priority  Priority
	CreatedAt time.Time
	Batches   []*Batch
}

// Status is derived from the batches on every read: running if any batch is
// running, done if every batch is done, pending otherwise.
func (i *Ingestion) Status() BatchStatus {
	statuses := make([]BatchStatus, len(i.Batches))
	for n, b := range i.Batches {
		statuses[n] = b.Status()
	}
	return DeriveStatus(statuses)
}

// IngestionView is the encoded form of an ingestion returned by status queries.
type IngestionView struct {
	IngestionID string      `json:"ingestion_id"`
	Status      BatchStatus `json:"status"`
	Priority    Priority    `json:"priority"`
	CreatedTime int64       `json:"created_time"`
	Batches     []BatchView `json:"batches"`
}

func (i *Ingestion) Snapshot() *IngestionView {
	view := &IngestionView{
		IngestionID: i.ID,
		Priority:    i.Priority,
		CreatedTime: i.CreatedAt.UnixMilli(),
		Batches:     make([]BatchView, 0, len(i.Batches)),
	}
	for _, b := range i.Batches {
		view.Batches = append(view.Batches, b.Snapshot())
	}
	// Derived from the captured views so status and batches agree.
	statuses := make([]BatchStatus, len(view.Batches))
	for n, b := range view.Batches {
		statuses[n] = b.Status
	}
	view.Status = DeriveStatus(statuses)
	return view
}

// DeriveStatus folds batch statuses into an ingestion status.
func DeriveStatus(statuses []BatchStatus) BatchStatus {
	allDone := len(statuses) > 0
	for _, st := range statuses {
		switch st {
		case BatchStatusRunning:
			return BatchStatusRunning
		case BatchStatusDone:
		default:
			allDone = false
		}
	}
	if allDone {
		return BatchStatusDone
	}
	return BatchStatusPending
}
