package leases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rewardpools/stake-engine/internal/staking"
)

var (
	ErrInvalidConfig = errors.New("leases: invalid config")
	ErrSlotHeld      = errors.New("leases: slot held")
)

// SlotName is the lease name guarding one (user, pool).
func SlotName(pair staking.Pair) string {
	return fmt.Sprintf("op/%d/%s/%s",
		pair.Pool.ChainID,
		strings.ToLower(pair.Pool.Address.Hex()),
		strings.ToLower(pair.User.Hex()),
	)
}

// Slots holds per-pair leases on behalf of one engine instance.
type Slots struct {
	store Store
	owner string
	ttl   time.Duration
	log   *slog.Logger
}

func NewSlots(store Store, owner string, ttl time.Duration, log *slog.Logger) (*Slots, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" || ttl <= 0 {
		return nil, fmt.Errorf("%w: owner must be non-empty and ttl must be > 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Slots{store: store, owner: owner, ttl: ttl, log: log}, nil
}

func (s *Slots) Owner() string { return s.owner }

// Acquire takes the pair's slot. A slot held by another live instance yields
// ErrSlotHeld.
func (s *Slots) Acquire(ctx context.Context, pair staking.Pair) error {
	name := SlotName(pair)
	l, ok, err := s.store.TryAcquire(ctx, name, s.owner, s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s by %s until %s", ErrSlotHeld, name, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Slots) Renew(ctx context.Context, pair staking.Pair) error {
	_, _, err := s.store.Renew(ctx, SlotName(pair), s.owner, s.ttl)
	return err
}

func (s *Slots) Release(ctx context.Context, pair staking.Pair) {
	if err := s.store.Release(ctx, SlotName(pair), s.owner); err != nil {
		s.log.Warn("release operation slot", "pair", pair.String(), "err", err)
	}
}

// Held reports whether a live lease on the pair is owned by another instance.
func (s *Slots) Held(ctx context.Context, pair staking.Pair, now time.Time) (bool, error) {
	l, err := s.store.Get(ctx, SlotName(pair))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.Owner != s.owner && l.ExpiresAt.After(now), nil
}
