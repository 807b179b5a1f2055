// internal/infra/etcd/replica_registry.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"batch-ingest/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// ReplicaPrefix defines the etcd prefix where replicas register themselves.
	ReplicaPrefix = "/ingest/replicas/"
)

// ReplicaRegistry registers this replica under a lease and tracks the
// others that share the dispatch lane.
type ReplicaRegistry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string

	mu       sync.RWMutex
	replicas map[string]string // replicaID -> advertised address
}

var _ domain.Membership = (*ReplicaRegistry)(nil)

// NewReplicaRegistry creates a new replica registry.
func NewReplicaRegistry(client *clientv3.Client, logger *slog.Logger) *ReplicaRegistry {
	return &ReplicaRegistry{
		client:   client,
		logger:   logger.With("component", "replica-registry"),
		replicas: make(map[string]string),
	}
}

// Register puts this replica's address into etcd under a lease of ttl
// seconds and keeps the lease alive until Deregister.
func (r *ReplicaRegistry) Register(ctx context.Context, replicaID, addr string, ttl int64) error {
	r.key = ReplicaPrefix + replicaID

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, addr, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put replica registration key: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// The lease was revoked or has expired.
		r.logger.Warn("keep-alive channel closed, replica registration may have expired")
	}()

	r.logger.Info("replica registered", "key", r.key, "addr", addr)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (r *ReplicaRegistry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering replica", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Watch loads the current replicas and follows registrations until ctx is
// done. This is a blocking call and should be run in a goroutine.
func (r *ReplicaRegistry) Watch(ctx context.Context) {
	if err := r.loadInitial(ctx); err != nil {
		r.logger.Error("failed to load replicas", "error", err)
	}

	for watchResp := range r.client.Watch(ctx, ReplicaPrefix, clientv3.WithPrefix()) {
		for _, event := range watchResp.Events {
			switch event.Type {
			case clientv3.EventTypePut:
				r.put(string(event.Kv.Key), string(event.Kv.Value))
			case clientv3.EventTypeDelete:
				r.remove(string(event.Kv.Key))
			}
		}
	}
	r.logger.Info("stopped watching replicas")
}

func (r *ReplicaRegistry) loadInitial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, ReplicaPrefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		r.put(string(kv.Key), string(kv.Value))
	}
	return nil
}

func (r *ReplicaRegistry) put(key, addr string) {
	id := strings.TrimPrefix(key, ReplicaPrefix)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.replicas[id]; !ok {
		r.logger.Info("replica joined", "id", id, "addr", addr)
	}
	r.replicas[id] = addr
}

func (r *ReplicaRegistry) remove(key string) {
	id := strings.TrimPrefix(key, ReplicaPrefix)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("replica left", "id", id, "addr", r.replicas[id])
	delete(r.replicas, id)
}

// Members returns the known replica addresses, sorted.
func (r *ReplicaRegistry) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]string, 0, len(r.replicas))
	for _, addr := range r.replicas {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
