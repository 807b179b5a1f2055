package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batch-ingest/internal/domain"
	"batch-ingest/internal/infra/local"
	"batch-ingest/internal/infra/simulated"
	"batch-ingest/internal/queue"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	itemDelay = time.Second
	interval  = 5 * time.Second
)

// recorder wraps the simulated processor, remembers the processing order and
// checks that no two batches are ever running together.
type recorder struct {
	t     *testing.T
	inner domain.UnitProcessor

	mu        sync.Mutex
	batches   []*domain.Batch
	processed []string
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (r *recorder) track(batches ...*domain.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batches...)
}

func (r *recorder) Process(ctx context.Context, item domain.WorkItem) (domain.UnitResult, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		cur := r.maxFlight.Load()
		if n <= cur || r.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	r.mu.Lock()
	running := 0
	for _, b := range r.batches {
		if b.Status() == domain.BatchStatusRunning {
			running++
		}
	}
	r.processed = append(r.processed, item.String())
	r.mu.Unlock()
	assert.Equal(r.t, 1, running, "exactly one batch must be running while an item is processed")

	return r.inner.Process(ctx, item)
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...)
}

type harness struct {
	clock clockwork.FakeClock
	queue *queue.PriorityQueue
	rec   *recorder
	d     *Dispatcher
	seq   uint64
	t0    time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, fail simulated.FailFunc, opts ...Option) *harness {
	clock := clockwork.NewFakeClock()
	q := queue.NewPriorityQueue()
	rec := &recorder{t: t, inner: simulated.NewUnitProcessor(clock, itemDelay, fail, discardLogger())}

	opts = append([]Option{WithClock(clock), WithInterval(interval)}, opts...)
	d := NewDispatcher(q, rec, discardLogger(), opts...)
	t.Cleanup(d.Close)

	return &harness{clock: clock, queue: q, rec: rec, d: d, t0: clock.Now()}
}

// batch builds a batch whose items are named <name>.<n>.
func (h *harness) batch(name string, p domain.Priority, size int) *domain.Batch {
	h.seq++
	items := make([]domain.WorkItem, size)
	for i := range items {
		items[i] = domain.StringItem(fmt.Sprintf("%s.%d", name, i))
	}
	b := domain.NewBatch(name, "ing-"+name, items, p, h.t0.Add(time.Duration(h.seq)*time.Millisecond), h.seq)
	h.rec.track(b)
	return b
}

// step waits for the loop to block on the clock, then moves time forward.
func (h *harness) step(d time.Duration) {
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
}

func (h *harness) runBatch(size int) {
	for i := 0; i < size; i++ {
		h.step(itemDelay)
	}
	h.step(interval)
}

func TestDispatcherDrainsInPriorityOrder(t *testing.T) {
	h := newHarness(t, nil)

	m1 := h.batch("m1", domain.PriorityMedium, 3)
	m2 := h.batch("m2", domain.PriorityMedium, 2)
	h1 := h.batch("h1", domain.PriorityHigh, 3)
	h2 := h.batch("h2", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(m1, m2)
	h.queue.EnqueueMany(h1, h2)

	h.d.Kickoff()
	assert.Equal(t, domain.DispatcherDraining, h.d.State())

	h.runBatch(3)
	h.runBatch(1)
	h.runBatch(3)
	h.runBatch(2)
	h.d.Wait()

	assert.Equal(t, domain.DispatcherIdle, h.d.State())
	assert.Equal(t, []string{
		"h1.0", "h1.1", "h1.2",
		"h2.0",
		"m1.0", "m1.1", "m1.2",
		"m2.0", "m2.1",
	}, h.rec.order())
	for _, b := range []*domain.Batch{m1, m2, h1, h2} {
		assert.Equal(t, domain.BatchStatusDone, b.Status(), b.ID)
	}
	assert.EqualValues(t, 1, h.rec.maxFlight.Load())
}

func TestDispatcherStatusTransitions(t *testing.T) {
	h := newHarness(t, nil)
	first := h.batch("first", domain.PriorityLow, 2)
	second := h.batch("second", domain.PriorityLow, 1)
	h.queue.EnqueueMany(first, second)
	h.d.Kickoff()

	h.clock.BlockUntil(1)
	assert.Equal(t, domain.BatchStatusRunning, first.Status())
	assert.Equal(t, domain.BatchStatusPending, second.Status())

	h.clock.Advance(itemDelay)
	h.step(itemDelay)

	// Rate limit window: first is done, second has not started yet.
	h.clock.BlockUntil(1)
	assert.Equal(t, domain.BatchStatusDone, first.Status())
	assert.Equal(t, domain.BatchStatusPending, second.Status())

	h.clock.Advance(interval - time.Millisecond)
	assert.Equal(t, domain.BatchStatusPending, second.Status(), "second must wait the full window")
	h.clock.Advance(time.Millisecond)

	h.clock.BlockUntil(1)
	assert.Equal(t, domain.BatchStatusRunning, second.Status())
	h.clock.Advance(itemDelay)
	h.step(interval)
	h.d.Wait()

	assert.Equal(t, domain.BatchStatusDone, second.Status())
}

func TestDispatcherNoPreemption(t *testing.T) {
	h := newHarness(t, nil)
	l1 := h.batch("l1", domain.PriorityLow, 2)
	l2 := h.batch("l2", domain.PriorityLow, 1)
	h.queue.EnqueueMany(l1, l2)
	h.d.Kickoff()

	h.clock.BlockUntil(1)
	hi := h.batch("hi", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(hi)
	h.d.Kickoff()

	h.clock.Advance(itemDelay)
	h.step(itemDelay)
	h.step(interval)
	h.runBatch(1)
	h.runBatch(1)
	h.d.Wait()

	assert.Equal(t, []string{"l1.0", "l1.1", "hi.0", "l2.0"}, h.rec.order())
}

func TestDispatcherItemFailureDoesNotStall(t *testing.T) {
	boom := errors.New("downstream error")
	h := newHarness(t, func(item domain.WorkItem) error {
		if item.String() == "a.0" {
			return boom
		}
		return nil
	})
	a := h.batch("a", domain.PriorityHigh, 2)
	b := h.batch("b", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(a, b)
	h.d.Kickoff()

	h.runBatch(2)
	h.runBatch(1)
	h.d.Wait()

	assert.Equal(t, []string{"a.0", "a.1", "b.0"}, h.rec.order())
	assert.Equal(t, domain.BatchStatusDone, a.Status())
	assert.Equal(t, 1, a.Snapshot().FailedItems)
	assert.Equal(t, domain.BatchStatusDone, b.Status())
}

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, domain.WorkItem) (domain.UnitResult, error) {
	panic("processor bug")
}

func TestDispatcherRecoversProcessorPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := queue.NewPriorityQueue()
	d := NewDispatcher(q, panickingProcessor{}, discardLogger(), WithClock(clock), WithInterval(interval))
	t.Cleanup(d.Close)

	b := domain.NewBatch("b", "i", []domain.WorkItem{domain.NumericItem(1), domain.NumericItem(2)}, domain.PriorityMedium, clock.Now(), 1)
	q.EnqueueMany(b)
	d.Kickoff()

	clock.BlockUntil(1)
	assert.Equal(t, domain.BatchStatusDone, b.Status())
	assert.Equal(t, 2, b.Snapshot().FailedItems)
	clock.Advance(interval)
	d.Wait()
	assert.Equal(t, domain.DispatcherIdle, d.State())
}

func TestDispatcherKickoffIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, WithLocker(nopLocker{}))
	h.queue.EnqueueMany(h.batch("a", domain.PriorityHigh, 1), h.batch("b", domain.PriorityHigh, 1))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.Kickoff()
		}()
	}
	wg.Wait()

	h.clock.BlockUntil(1)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, h.rec.inFlight.Load(), "a second loop would process the other batch concurrently")

	h.clock.Advance(itemDelay)
	h.step(interval)
	h.runBatch(1)
	h.d.Wait()
	assert.EqualValues(t, 1, h.rec.maxFlight.Load())
}

func TestDispatcherKickoffOnEmptyQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Kickoff()
	h.d.Wait()
	assert.Equal(t, domain.DispatcherIdle, h.d.State())
	assert.Empty(t, h.rec.order())
}

func TestDispatcherRestartsAfterIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.EnqueueMany(h.batch("a", domain.PriorityLow, 1))
	h.d.Kickoff()
	h.runBatch(1)
	h.d.Wait()
	require.Equal(t, domain.DispatcherIdle, h.d.State())

	h.queue.EnqueueMany(h.batch("b", domain.PriorityLow, 1))
	h.d.Kickoff()
	h.runBatch(1)
	h.d.Wait()

	assert.Equal(t, []string{"a.0", "b.0"}, h.rec.order())
}

type flakyLocker struct {
	failures atomic.Int32
	inner    domain.Locker
}

func (l *flakyLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("lock backend unavailable")
	}
	return l.inner.Lock(ctx, name)
}

func TestDispatcherRetriesLaneAfterLockError(t *testing.T) {
	locker := &flakyLocker{inner: local.NewLocker()}
	locker.failures.Store(1)
	h := newHarness(t, nil, WithLocker(locker))
	b := h.batch("a", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(b)
	h.d.Kickoff()

	// The failed attempt waits one window before trying again.
	h.clock.BlockUntil(1)
	assert.Equal(t, domain.BatchStatusPending, b.Status())
	h.clock.Advance(interval)

	h.runBatch(1)
	h.d.Wait()
	assert.Equal(t, domain.BatchStatusDone, b.Status())
}

func TestDispatcherWaitsForSharedLane(t *testing.T) {
	locker := local.NewLocker()
	h := newHarness(t, nil, WithLocker(locker))

	held, err := locker.Lock(context.Background(), DefaultLockName)
	require.NoError(t, err)

	medium := h.batch("m", domain.PriorityMedium, 1)
	h.queue.EnqueueMany(medium)
	h.d.Kickoff()
	high := h.batch("h", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(high)
	h.d.Kickoff()

	assert.Equal(t, domain.BatchStatusPending, medium.Status())
	require.NoError(t, held.Unlock(context.Background()))

	h.runBatch(1)
	h.runBatch(1)
	h.d.Wait()
	assert.Equal(t, []string{"h.0", "m.0"}, h.rec.order(), "batch is chosen once the lane is free")
}

func TestDispatcherCloseFinishesCurrentBatch(t *testing.T) {
	h := newHarness(t, nil)
	a := h.batch("a", domain.PriorityHigh, 2)
	b := h.batch("b", domain.PriorityHigh, 1)
	h.queue.EnqueueMany(a, b)
	h.d.Kickoff()

	h.clock.BlockUntil(1)
	closed := make(chan struct{})
	go func() {
		h.d.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return h.d.ctx.Err() != nil }, time.Second, time.Millisecond)

	h.clock.Advance(itemDelay)
	h.step(itemDelay)
	<-closed

	assert.Equal(t, domain.BatchStatusDone, a.Status())
	assert.Equal(t, domain.BatchStatusPending, b.Status())
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, domain.DispatcherIdle, h.d.State())

	h.d.Kickoff()
	assert.Equal(t, domain.DispatcherIdle, h.d.State(), "closed dispatcher ignores kickoff")
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (domain.Lock, error) { return nopLock{}, nil }

type nopLock struct{}

func (nopLock) Unlock(context.Context) error { return nil }
