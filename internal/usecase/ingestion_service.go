package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batch-ingest/internal/domain"
	"batch-ingest/internal/metrics"
	"batch-ingest/internal/queue"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IngestionService implements admission and status queries.
type IngestionService struct {
	repo       domain.IngestionRepository
	queue      *queue.PriorityQueue
	dispatcher domain.Dispatcher
	clock      clockwork.Clock
	batchSize  int
	logger     *slog.Logger
	tracer     trace.Tracer
	membership domain.Membership

	// mu serializes admissions so creation times and sequence numbers follow
	// submission order.
	mu          sync.Mutex
	lastCreated time.Time
	seq         uint64
}

// NewIngestionService creates a new IngestionService instance.
func NewIngestionService(repo domain.IngestionRepository, q *queue.PriorityQueue, dispatcher domain.Dispatcher, clock clockwork.Clock, batchSize int, logger *slog.Logger) *IngestionService {
	if batchSize <= 0 {
		batchSize = domain.DefaultBatchSize
	}
	return &IngestionService{
		repo:       repo,
		queue:      q,
		dispatcher: dispatcher,
		clock:      clock,
		batchSize:  batchSize,
		logger:     logger.With("component", "ingestion-service"),
		tracer:     otel.Tracer("batch-ingest-usecase"),
	}
}

// SetMembership makes QueueStats list the replicas sharing the lane.
func (s *IngestionService) SetMembership(m domain.Membership) {
	s.membership = m
}

// Submit validates the request, registers one ingestion split into batches,
// queues the batches and starts the dispatcher. Invalid input changes nothing.
func (s *IngestionService) Submit(ctx context.Context, ids []domain.WorkItem, priority string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(ids)), attribute.String("priority", priority))

	if len(ids) == 0 {
		metrics.AdmissionRejectedTotal.WithLabelValues("invalid_ids").Inc()
		span.SetStatus(codes.Error, "empty ids")
		return "", domain.ErrInvalidIDs
	}
	p, err := domain.ParsePriority(priority)
	if err != nil {
		metrics.AdmissionRejectedTotal.WithLabelValues("invalid_priority").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid priority")
		return "", err
	}

	ingestion, err := s.admit(ctx, ids, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register ingestion")
		return "", err
	}
	span.SetAttributes(
		attribute.String("ingestion.id", ingestion.ID),
		attribute.Int("ingestion.batches", len(ingestion.Batches)),
	)

	metrics.IngestionsTotal.WithLabelValues(string(p)).Inc()
	metrics.SetPending(s.queue.PendingByPriority())
	s.logger.Info("ingestion accepted",
		"ingestion_id", ingestion.ID,
		"priority", p,
		"items", len(ids),
		"batches", len(ingestion.Batches),
	)

	s.dispatcher.Kickoff()
	return ingestion.ID, nil
}

func (s *IngestionService) admit(ctx context.Context, ids []domain.WorkItem, p domain.Priority) (*domain.Ingestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Before(s.lastCreated) {
		now = s.lastCreated
	}
	s.lastCreated = now

	ingestion := &domain.Ingestion{
		ID:        uuid.New().String(),
		Priority:  p,
		CreatedAt: now,
	}
	for _, chunk := range domain.SplitItems(ids, s.batchSize) {
		s.seq++
		ingestion.Batches = append(ingestion.Batches,
			domain.NewBatch(uuid.New().String(), ingestion.ID, chunk, p, now, s.seq))
	}

	if err := s.repo.Save(ctx, ingestion); err != nil {
		return nil, fmt.Errorf("failed to save ingestion: %w", err)
	}
	s.queue.EnqueueMany(ingestion.Batches...)
	return ingestion, nil
}

// Status returns the current view of an ingestion.
func (s *IngestionService) Status(ctx context.Context, id string) (*domain.IngestionView, error) {
	ctx, span := s.tracer.Start(ctx, "service.Status")
	defer span.End()
	span.SetAttributes(attribute.String("ingestion.id", id))

	ingestion, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get ingestion from repository")
		return nil, err
	}
	view := ingestion.Snapshot()
	span.SetAttributes(attribute.String("ingestion.status", string(view.Status)))
	return view, nil
}

// QueueStats describes the pending set and the drain loop.
type QueueStats struct {
	Dispatcher domain.DispatcherState     `json:"dispatcher"`
	Pending    int                        `json:"pending"`
	ByPriority map[domain.Priority]int    `json:"by_priority"`
	Ingestions map[domain.BatchStatus]int `json:"ingestions"`
	Replicas   []string                   `json:"replicas,omitempty"`
}

// QueueStats reports pending batches per priority, ingestions per status and
// the dispatcher state.
func (s *IngestionService) QueueStats(ctx context.Context) (*QueueStats, error) {
	ctx, span := s.tracer.Start(ctx, "service.QueueStats")
	defer span.End()

	ingestions, err := s.repo.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list ingestions from repository")
		return nil, err
	}

	stats := &QueueStats{
		Dispatcher: s.dispatcher.State(),
		ByPriority: s.queue.PendingByPriority(),
		Ingestions: map[domain.BatchStatus]int{
			domain.BatchStatusPending: 0,
			domain.BatchStatusRunning: 0,
			domain.BatchStatusDone:    0,
		},
	}
	for _, n := range stats.ByPriority {
		stats.Pending += n
	}
	for _, ing := range ingestions {
		stats.Ingestions[ing.Status()]++
	}
	if s.membership != nil {
		stats.Replicas = s.membership.Members()
	}
	span.SetAttributes(attribute.Int("pending", stats.Pending))
	return stats, nil
}
