// internal/infra/local/locker.go
package local

import (
	"context"
	"sync"

	"batch-ingest/internal/domain"
)

// locker implements domain.Locker for a single process. Each lock name maps
// to a one-slot channel so waiters can give up when their context ends.
type locker struct {
	mu    sync.Mutex
	lanes map[string]chan struct{}
}

// NewLocker creates an in-process locker.
func NewLocker() domain.Locker {
	return &locker{lanes: make(map[string]chan struct{})}
}

func (l *locker) lane(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.lanes[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.lanes[name] = ch
	}
	return ch
}

// Lock blocks until the named lane is free or ctx is done.
func (l *locker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	ch := l.lane(name)
	select {
	case ch <- struct{}{}:
		return &localLock{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localLock struct {
	once sync.Once
	ch   chan struct{}
}

func (l *localLock) Unlock(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}
