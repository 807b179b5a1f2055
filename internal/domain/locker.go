// internal/domain/locker.go
package domain

import "context"

// Lock represents an acquired dispatch lane.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker serializes batch execution, possibly across processes sharing one
// downstream dependency. Lock blocks until the lane is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
