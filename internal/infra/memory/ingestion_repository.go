// internal/infra/memory/ingestion_repository.go
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"batch-ingest/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ingestionRepository keeps ingestions for the lifetime of the process.
type ingestionRepository struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Ingestion
	order  []string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewIngestionRepository creates an empty in-memory repository.
func NewIngestionRepository(logger *slog.Logger) domain.IngestionRepository {
	return &ingestionRepository{
		byID:   make(map[string]*domain.Ingestion),
		logger: logger.With("component", "ingestion-repo"),
		tracer: otel.Tracer("batch-ingest-memory-repo"),
	}
}

// Save registers a new ingestion. Ingestions are never replaced.
func (r *ingestionRepository) Save(ctx context.Context, ingestion *domain.Ingestion) error {
	_, span := r.tracer.Start(ctx, "repo.memory.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingestion.id", ingestion.ID),
		attribute.Int("ingestion.batches", len(ingestion.Batches)),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[ingestion.ID]; exists {
		r.logger.Warn("refusing to overwrite ingestion", "ingestion_id", ingestion.ID)
		span.SetStatus(codes.Error, "duplicate ingestion id")
		return fmt.Errorf("ingestion %s already exists", ingestion.ID)
	}
	r.byID[ingestion.ID] = ingestion
	r.order = append(r.order, ingestion.ID)
	return nil
}

func (r *ingestionRepository) Get(ctx context.Context, id string) (*domain.Ingestion, error) {
	_, span := r.tracer.Start(ctx, "repo.memory.Get")
	defer span.End()
	span.SetAttributes(attribute.String("ingestion.id", id))

	r.mu.RLock()
	defer r.mu.RUnlock()

	ingestion, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrIngestionNotFound
	}
	return ingestion, nil
}

func (r *ingestionRepository) List(ctx context.Context) ([]*domain.Ingestion, error) {
	_, span := r.tracer.Start(ctx, "repo.memory.List")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Ingestion, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	span.SetAttributes(attribute.Int("ingestions", len(out)))
	return out, nil
}
