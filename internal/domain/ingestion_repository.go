// internal/domain/ingestion_repository.go
package domain

import "context"

// IngestionRepository stores ingestions for status queries.
type IngestionRepository interface {
	Save(ctx context.Context, ingestion *Ingestion) error
	// Get returns ErrIngestionNotFound for an unknown id.
	Get(ctx context.Context, id string) (*Ingestion, error)
	// List returns ingestions in submission order.
	List(ctx context.Context) ([]*Ingestion, error)
}
