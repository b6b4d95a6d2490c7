// Package leases provides expiring named ownership records. The engine uses
// them as cross-instance operation slots: one lease per (user, pool) while an
// operation is in flight.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease API.
//
//   - TryAcquire succeeds if the lease is absent or expired.
//   - Renew succeeds only for the current owner.
//   - Release is idempotent when the lease is already gone.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func Validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
