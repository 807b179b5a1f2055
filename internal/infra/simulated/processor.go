// internal/infra/simulated/processor.go
package simulated

import (
	"context"
	"log/slog"
	"time"

	"batch-ingest/internal/domain"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDelay is the simulated latency of the external call.
const DefaultDelay = time.Second

// FailFunc decides whether the simulated call for item fails.
type FailFunc func(item domain.WorkItem) error

// unitProcessor implements domain.UnitProcessor by waiting a fixed delay.
type unitProcessor struct {
	clock  clockwork.Clock
	delay  time.Duration
	fail   FailFunc
	logger *slog.Logger
	tracer trace.Tracer
}

// NewUnitProcessor creates a processor that waits delay on clock for every
// item. A nil fail never fails.
func NewUnitProcessor(clock clockwork.Clock, delay time.Duration, fail FailFunc, logger *slog.Logger) domain.UnitProcessor {
	return &unitProcessor{
		clock:  clock,
		delay:  delay,
		fail:   fail,
		logger: logger.With("processor", "simulated"),
		tracer: otel.Tracer("batch-ingest-simulated-processor"),
	}
}

func (p *unitProcessor) Process(ctx context.Context, item domain.WorkItem) (domain.UnitResult, error) {
	_, span := p.tracer.Start(ctx, "processor.simulated.Process",
		trace.WithAttributes(attribute.String("item", item.String())))
	defer span.End()

	select {
	case <-p.clock.After(p.delay):
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return domain.UnitResult{}, ctx.Err()
	}

	if p.fail != nil {
		if err := p.fail(item); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "simulated call failed")
			return domain.UnitResult{}, err
		}
	}

	p.logger.Debug("processed item", "item", item.String())
	return domain.UnitResult{ID: item, Data: "processed"}, nil
}
