package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/idempotency"
	"github.com/rewardpools/stake-engine/internal/staking"
)

var (
	ErrNotFound     = errors.New("ledger: not found")
	ErrInvalidInput = errors.New("ledger: invalid input")
	ErrPoolMismatch = errors.New("ledger: pool mismatch")
)

// Mutation is the confirmed effect of one transaction on one (user, pool).
type Mutation struct {
	Kind   staking.Kind
	User   common.Address
	Pool   staking.PoolRef
	TxHash common.Hash

	// Amount is the requested delta for stake/unstake.
	Amount *big.Int

	// Observed, when set, is the authoritative post-confirmation stake read from
	// the chain. It replaces the arithmetic result for stake/unstake.
	Observed *big.Int

	// At is the confirmation time used for lastClaimAt.
	At time.Time
}

func (m Mutation) Validate() error {
	if m.User == (common.Address{}) || m.Pool.IsZero() {
		return fmt.Errorf("%w: missing user or pool", ErrInvalidInput)
	}
	if m.At.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidInput)
	}
	switch m.Kind {
	case staking.KindStake, staking.KindUnstake:
		if m.Amount == nil || m.Amount.Sign() < 0 {
			return fmt.Errorf("%w: %s amount must be >= 0", ErrInvalidInput, m.Kind)
		}
	case staking.KindClaim:
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidInput, m.Kind)
	}
	if m.Observed != nil && m.Observed.Sign() < 0 {
		return fmt.Errorf("%w: observed stake must be >= 0", ErrInvalidInput)
	}
	return nil
}

type ApplyResult struct {
	Applied bool

	Previous *big.Int
	Current  *big.Int

	// Clamped is set when an arithmetic unstake would have gone negative.
	Clamped bool
	// Expected is the arithmetic result; it differs from Current when the
	// mutation carried an Observed chain value that disagreed.
	Expected *big.Int
}

// Diverged reports whether the chain value disagreed with ledger arithmetic.
func (r ApplyResult) Diverged() bool {
	if r.Expected == nil || r.Current == nil {
		return false
	}
	return r.Expected.Cmp(r.Current) != 0
}

// Store is the durable ledger. ApplyIfNew is the only mutation path for
// UserStake and ProcessedTransaction; it must be atomic per key.
type Store interface {
	ApplyIfNew(ctx context.Context, key idempotency.Key, m Mutation) (ApplyResult, error)
	IsProcessed(ctx context.Context, key idempotency.Key) (bool, error)

	GetUserStake(ctx context.Context, user common.Address, pool staking.PoolRef) (staking.UserStake, error)
	GetLastClaim(ctx context.Context, user common.Address, pool staking.PoolRef) (*time.Time, error)
	ListUserStakes(ctx context.Context, user common.Address) ([]staking.UserStake, error)

	UpsertPool(ctx context.Context, p staking.Pool) (staking.Pool, bool, error)
	GetPool(ctx context.Context, ref staking.PoolRef) (staking.Pool, error)
}

// NextAmount computes the post-mutation confirmed amount.
func NextAmount(prev *big.Int, m Mutation) (cur, expected *big.Int, clamped bool) {
	prev = staking.AmountOrZero(prev)
	switch m.Kind {
	case staking.KindStake:
		expected = new(big.Int).Add(prev, m.Amount)
	case staking.KindUnstake:
		expected = new(big.Int).Sub(prev, m.Amount)
		if expected.Sign() < 0 {
			expected.SetInt64(0)
			clamped = true
		}
	default:
		return new(big.Int).Set(prev), nil, false
	}
	if m.Observed != nil {
		return new(big.Int).Set(m.Observed), expected, clamped
	}
	return new(big.Int).Set(expected), expected, clamped
}

// ResetsClaim reports whether the mutation moves lastClaimAt. The pool contract
// pays out pending rewards on unstake, which restarts the cooldown like a claim.
func ResetsClaim(k staking.Kind) bool {
	return k == staking.KindClaim || k == staking.KindUnstake
}

func ParticipantDelta(prev, cur *big.Int) int64 {
	was := prev != nil && prev.Sign() > 0
	is := cur != nil && cur.Sign() > 0
	switch {
	case !was && is:
		return 1
	case was && !is:
		return -1
	default:
		return 0
	}
}
