// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"batch-ingest/internal/domain"
	"batch-ingest/internal/infra/local"
	"batch-ingest/internal/metrics"
	"batch-ingest/internal/queue"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRateLimitInterval is the idle time enforced between two batches.
	DefaultRateLimitInterval = 5 * time.Second
	// DefaultLockName names the dispatch lane shared by all replicas.
	DefaultLockName = "dispatch-lane"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock used for the rate limit wait.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLocker replaces the in-process lane lock.
func WithLocker(locker domain.Locker) Option {
	return func(d *Dispatcher) { d.locker = locker }
}

// WithInterval sets the rate limit window between batches.
func WithInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.interval = interval }
}

// WithLockName sets the name of the lane lock.
func WithLockName(name string) Option {
	return func(d *Dispatcher) { d.lockName = name }
}

// Dispatcher is the single-lane drain loop. At most one loop runs per
// instance and it runs one batch at a time, idling for the rate limit
// interval after every batch.
type Dispatcher struct {
	queue     *queue.PriorityQueue
	processor domain.UnitProcessor
	locker    domain.Locker
	clock     clockwork.Clock
	interval  time.Duration
	lockName  string
	logger    *slog.Logger
	tracer    trace.Tracer

	// ctx is cancelled by Close; it aborts lock waits and the rate limit
	// wait but never an item that is already being processed.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  domain.DispatcherState
	done   chan struct{}
	closed bool
}

// NewDispatcher creates an idle dispatcher draining q through processor.
func NewDispatcher(q *queue.PriorityQueue, processor domain.UnitProcessor, logger *slog.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:     q,
		processor: processor,
		locker:    local.NewLocker(),
		clock:     clockwork.NewRealClock(),
		interval:  DefaultRateLimitInterval,
		lockName:  DefaultLockName,
		logger:    logger.With("component", "dispatcher"),
		tracer:    otel.Tracer("batch-ingest-dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.DispatcherIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kickoff starts the drain loop unless it is already running. It is safe to
// call from concurrent admissions; only one loop is ever spawned.
func (d *Dispatcher) Kickoff() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.state == domain.DispatcherDraining {
		return
	}
	d.state = domain.DispatcherDraining
	d.done = make(chan struct{})
	metrics.DispatcherDraining.Set(1)
	d.logger.Debug("drain loop started")

	go d.drain(d.done)
}

func (d *Dispatcher) State() domain.DispatcherState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Wait blocks until the current drain loop, if any, has returned.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the dispatcher. A batch in progress is finished; batches still
// queued stay pending. Further Kickoff calls are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.Wait()
}

// next dequeues the following batch, or flips the dispatcher back to idle.
// Both happen under d.mu so a Kickoff racing with an empty queue either sees
// DRAINING before the batch was enqueued, or sees IDLE and starts a new loop.
func (d *Dispatcher) next() *domain.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b *domain.Batch
	if !d.closed {
		b = d.queue.DequeueNext()
	}
	if b == nil {
		d.setIdle()
	}
	metrics.SetPending(d.queue.PendingByPriority())
	return b
}

// stopIfDrained flips the dispatcher to idle when it is closed or nothing is
// pending, and reports whether it did.
func (d *Dispatcher) stopIfDrained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed && d.queue.Len() > 0 {
		return false
	}
	d.setIdle()
	return true
}

// setIdle must be called with d.mu held.
func (d *Dispatcher) setIdle() {
	d.state = domain.DispatcherIdle
	metrics.DispatcherDraining.Set(0)
	d.logger.Debug("drain loop idle")
}

// drain runs until the queue is empty. The lane is acquired before a batch
// is chosen so the choice reflects everything admitted while waiting, and it
// is held through the rate limit wait.
func (d *Dispatcher) drain(done chan struct{}) {
	defer close(done)

	for {
		lock, err := d.locker.Lock(d.ctx, d.lockName)
		if err != nil {
			if d.stopIfDrained() {
				return
			}
			d.logger.Error("failed to acquire dispatch lane", "lock", d.lockName, "error", err)
			d.sleep()
			continue
		}

		b := d.next()
		if b == nil {
			d.release(lock)
			return
		}

		d.runBatch(b)
		d.sleep()
		d.release(lock)
	}
}

func (d *Dispatcher) release(lock domain.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Unlock(ctx); err != nil {
		d.logger.Error("failed to release dispatch lane", "lock", d.lockName, "error", err)
	}
}

// sleep waits out the rate limit window. Only Close shortens it.
func (d *Dispatcher) sleep() {
	select {
	case <-d.clock.After(d.interval):
	case <-d.ctx.Done():
	}
}

// runBatch runs every item of b in order. Item failures are logged and
// counted; the batch always reaches done.
func (d *Dispatcher) runBatch(b *domain.Batch) {
	ctx, span := d.tracer.Start(context.WithoutCancel(d.ctx), "dispatcher.RunBatch",
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.String("ingestion.id", b.IngestionID),
			attribute.String("batch.priority", string(b.Priority)),
			attribute.Int("batch.size", len(b.Items)),
		))
	defer span.End()

	logger := d.logger.With("batch_id", b.ID, "ingestion_id", b.IngestionID, "priority", b.Priority)

	start := d.clock.Now()
	if err := b.MarkRunning(start); err != nil {
		// A batch is only ever queued while pending; this is a bug upstream.
		logger.Error("refusing to run batch", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch not pending")
		return
	}
	logger.Info("batch started", "items", len(b.Items))

	failed := 0
	for _, item := range b.Items {
		if err := d.processItem(ctx, item); err != nil {
			failed++
			metrics.UnitsProcessedTotal.WithLabelValues("failed").Inc()
			logger.Error("work item failed", "item", item.String(), "error", err)
			span.AddEvent("item_failed", trace.WithAttributes(
				attribute.String("item", item.String()),
				attribute.String("error", err.Error()),
			))
			continue
		}
		metrics.UnitsProcessedTotal.WithLabelValues("success").Inc()
	}

	end := d.clock.Now()
	if err := b.MarkDone(end, failed); err != nil {
		logger.Error("failed to complete batch", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch completion failed")
		return
	}

	metrics.BatchesProcessedTotal.WithLabelValues(string(b.Priority)).Inc()
	metrics.BatchDuration.Observe(end.Sub(start).Seconds())
	span.SetAttributes(attribute.Int("batch.failed_items", failed))
	logger.Info("batch completed", "failed_items", failed, "duration", end.Sub(start))
}

func (d *Dispatcher) processItem(ctx context.Context, item domain.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit processor panicked: %v", r)
		}
	}()
	_, err = d.processor.Process(ctx, item)
	return err
}
