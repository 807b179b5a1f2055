// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"batch-ingest/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LockPrefix is the etcd root for dispatch lane locks.
	LockPrefix = "/ingest/locks/"
	// DefaultLockSessionTTL bounds how long a crashed holder keeps the lane.
	DefaultLockSessionTTL = 15 * time.Second
)

// laneMutex is the part of concurrency.Mutex the locker relies on.
type laneMutex interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// lockSession owns the lease behind a lane mutex.
type lockSession interface {
	NewMutex(key string) laneMutex
	Lease() clientv3.LeaseID
	Close() error
}

type sessionFactory func(ttlSeconds int) (lockSession, error)

// etcdSession adapts concurrency.Session to lockSession.
type etcdSession struct {
	*concurrency.Session
}

func (s etcdSession) NewMutex(key string) laneMutex {
	return concurrency.NewMutex(s.Session, key)
}

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   laneMutex
	session lockSession
	name    string
}

// Unlock releases the lane and closes the session that owned it.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		// Closing the session revokes its lease even if the unlock failed.
		_ = l.session.Close()
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker so that dispatchers in several
// processes share a single lane.
type etcdLocker struct {
	newSession sessionFactory
	ttl        time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEtcdLocker creates a locker whose sessions live for ttl after the
// holder stops refreshing them.
func NewEtcdLocker(client *clientv3.Client, ttl time.Duration, logger *slog.Logger) domain.Locker {
	return newLocker(func(ttlSeconds int) (lockSession, error) {
		s, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
		if err != nil {
			return nil, err
		}
		return etcdSession{s}, nil
	}, ttl, logger)
}

func newLocker(newSession sessionFactory, ttl time.Duration, logger *slog.Logger) *etcdLocker {
	if ttl < time.Second {
		ttl = DefaultLockSessionTTL
	}
	return &etcdLocker{
		newSession: newSession,
		ttl:        ttl,
		logger:     logger.With("component", "etcd-locker"),
		tracer:     otel.Tracer("batch-ingest-etcd-locker"),
	}
}

// Lock blocks until the named lane is acquired or ctx is done. Every attempt
// runs in its own session, closed again when the attempt fails.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	ctx, span := l.tracer.Start(ctx, "locker.etcd.Lock")
	defer span.End()

	key := path.Join(LockPrefix, name)
	span.SetAttributes(attribute.String("etcd.key", key))

	session, err := l.newSession(int(l.ttl.Seconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create etcd session")
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := session.NewMutex(key)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire etcd lock")
		return nil, fmt.Errorf("failed to acquire etcd lock %s: %w", name, err)
	}

	l.logger.Debug("acquired lane", "key", key, "lease", session.Lease())
	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
