package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/idempotency"
	"github.com/rewardpools/stake-engine/internal/staking"
)

type MemoryStore struct {
	mu        sync.Mutex
	stakes    map[staking.Pair]staking.UserStake
	pools     map[staking.PoolRef]staking.Pool
	processed map[idempotency.Key]common.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stakes:    make(map[staking.Pair]staking.UserStake),
		pools:     make(map[staking.PoolRef]staking.Pool),
		processed: make(map[idempotency.Key]common.Hash),
	}
}

func (s *MemoryStore) ApplyIfNew(_ context.Context, key idempotency.Key, m Mutation) (ApplyResult, error) {
	if err := m.Validate(); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pair := staking.Pair{User: m.User, Pool: m.Pool}
	us, ok := s.stakes[pair]
	if !ok {
		us = staking.UserStake{User: m.User, Pool: m.Pool, ConfirmedAmount: new(big.Int)}
	}
	prev := staking.CloneAmount(us.ConfirmedAmount)

	if _, done := s.processed[key]; done {
		return ApplyResult{Applied: false, Previous: prev, Current: staking.CloneAmount(prev)}, nil
	}

	cur, expected, clamped := NextAmount(prev, m)
	us.ConfirmedAmount = cur
	us.LastTxHash = m.TxHash
	us.UpdatedAt = m.At
	if ResetsClaim(m.Kind) {
		at := m.At
		us.LastClaimAt = &at
	}
	s.stakes[pair] = us
	s.processed[key] = m.TxHash

	if p, ok := s.pools[m.Pool]; ok {
		total := staking.AmountOrZero(p.TotalStaked)
		total = new(big.Int).Add(total, new(big.Int).Sub(cur, prev))
		if total.Sign() < 0 {
			total.SetInt64(0)
		}
		p.TotalStaked = total
		switch ParticipantDelta(prev, cur) {
		case 1:
			p.Participants++
		case -1:
			if p.Participants > 0 {
				p.Participants--
			}
		}
		s.pools[m.Pool] = p
	}

	return ApplyResult{
		Applied:  true,
		Previous: prev,
		Current:  new(big.Int).Set(cur),
		Clamped:  clamped,
		Expected: expected,
	}, nil
}

func (s *MemoryStore) IsProcessed(_ context.Context, key idempotency.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[key]
	return ok, nil
}

func (s *MemoryStore) GetUserStake(_ context.Context, user common.Address, pool staking.PoolRef) (staking.UserStake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	us, ok := s.stakes[staking.Pair{User: user, Pool: pool}]
	if !ok {
		return staking.UserStake{}, ErrNotFound
	}
	return cloneStake(us), nil
}

func (s *MemoryStore) GetLastClaim(_ context.Context, user common.Address, pool staking.PoolRef) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	us, ok := s.stakes[staking.Pair{User: user, Pool: pool}]
	if !ok || us.LastClaimAt == nil {
		return nil, nil
	}
	at := *us.LastClaimAt
	return &at, nil
}

func (s *MemoryStore) ListUserStakes(_ context.Context, user common.Address) ([]staking.UserStake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []staking.UserStake
	for pair, us := range s.stakes {
		if pair.User != user {
			continue
		}
		out = append(out, cloneStake(us))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pool.String() < out[j].Pool.String()
	})
	return out, nil
}

func (s *MemoryStore) UpsertPool(_ context.Context, p staking.Pool) (staking.Pool, bool, error) {
	if p.Ref.IsZero() {
		return staking.Pool{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pools[p.Ref]; ok {
		if p.Creator != (common.Address{}) && existing.Creator != p.Creator {
			return staking.Pool{}, false, ErrPoolMismatch
		}
		if p.Name != "" {
			existing.Name = p.Name
		}
		if p.Description != "" {
			existing.Description = p.Description
		}
		s.pools[p.Ref] = existing
		return clonePool(existing), false, nil
	}

	p.TotalStaked = new(big.Int)
	p.Participants = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	// Seed aggregates from stakes reconciled before the pool was registered.
	for pair, us := range s.stakes {
		if pair.Pool != p.Ref || us.ConfirmedAmount == nil || us.ConfirmedAmount.Sign() <= 0 {
			continue
		}
		p.TotalStaked.Add(p.TotalStaked, us.ConfirmedAmount)
		p.Participants++
	}
	s.pools[p.Ref] = p
	return clonePool(p), true, nil
}

func (s *MemoryStore) GetPool(_ context.Context, ref staking.PoolRef) (staking.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[ref]
	if !ok {
		return staking.Pool{}, ErrNotFound
	}
	return clonePool(p), nil
}

func cloneStake(us staking.UserStake) staking.UserStake {
	us.ConfirmedAmount = staking.CloneAmount(us.ConfirmedAmount)
	if us.LastClaimAt != nil {
		at := *us.LastClaimAt
		us.LastClaimAt = &at
	}
	return us
}

func clonePool(p staking.Pool) staking.Pool {
	p.TotalStaked = staking.CloneAmount(p.TotalStaked)
	return p
}

var _ Store = (*MemoryStore)(nil)
