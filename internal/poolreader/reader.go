// Package poolreader issues typed reward-pool reads over a chain.Client.
package poolreader

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

var ErrInvalidConfig = errors.New("poolreader: invalid config")

type Reader struct {
	client chain.Client
}

func New(client chain.Client) (*Reader, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil chain client", ErrInvalidConfig)
	}
	return &Reader{client: client}, nil
}

// Reward is one pool's pending reward; Err is set when that pool's read failed.
type Reward struct {
	Pool   common.Address
	Amount *big.Int
	Err    error
}

// PendingRewards reads pendingReward(user) on every pool in one batch. A
// failing pool is reported in its entry and does not fail the batch.
func (r *Reader) PendingRewards(ctx context.Context, user common.Address, pools []common.Address) ([]Reward, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	data, err := poolabi.PackPendingReward(user)
	if err != nil {
		return nil, err
	}
	calls := make([]chain.ReadCall, len(pools))
	for i, p := range pools {
		calls[i] = chain.ReadCall{Target: p, Data: data}
	}
	res, err := r.client.BatchRead(ctx, calls)
	if err != nil {
		return nil, err
	}
	if len(res) != len(pools) {
		return nil, fmt.Errorf("%w: %d results for %d pools", chain.ErrReadFailed, len(res), len(pools))
	}

	out := make([]Reward, len(pools))
	for i, p := range pools {
		out[i].Pool = p
		if !res[i].Success {
			out[i].Err = res[i].Err
			if out[i].Err == nil {
				out[i].Err = chain.ErrReadFailed
			}
			continue
		}
		v, err := poolabi.UnpackPendingReward(res[i].Data)
		if err != nil {
			out[i].Err = fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
			continue
		}
		out[i].Amount = v
	}
	return out, nil
}

func (r *Reader) PendingReward(ctx context.Context, user, pool common.Address) (*big.Int, error) {
	data, err := poolabi.PackPendingReward(user)
	if err != nil {
		return nil, err
	}
	raw, err := r.client.Read(ctx, chain.ReadCall{Target: pool, Data: data})
	if err != nil {
		return nil, err
	}
	return poolabi.UnpackPendingReward(raw)
}

// StakeOf reads stakeOf(user). A nil block reads latest.
func (r *Reader) StakeOf(ctx context.Context, user, pool common.Address, block *big.Int) (*big.Int, error) {
	data, err := poolabi.PackStakeOf(user)
	if err != nil {
		return nil, err
	}
	raw, err := r.client.Read(ctx, chain.ReadCall{Target: pool, Data: data, BlockNumber: block})
	if err != nil {
		return nil, err
	}
	return poolabi.UnpackStakeOf(raw)
}

func (r *Reader) TotalStaked(ctx context.Context, pool common.Address) (*big.Int, error) {
	data, err := poolabi.PackTotalStaked()
	if err != nil {
		return nil, err
	}
	raw, err := r.client.Read(ctx, chain.ReadCall{Target: pool, Data: data})
	if err != nil {
		return nil, err
	}
	return poolabi.UnpackTotalStaked(raw)
}

// Position is the live chain view of one (user, pool).
type Position struct {
	Stake     *big.Int
	StakeErr  error
	Reward    *big.Int
	RewardErr error
}

// Position reads stakeOf and pendingReward together.
func (r *Reader) Position(ctx context.Context, user, pool common.Address) (Position, error) {
	stakeData, err := poolabi.PackStakeOf(user)
	if err != nil {
		return Position{}, err
	}
	rewardData, err := poolabi.PackPendingReward(user)
	if err != nil {
		return Position{}, err
	}
	res, err := r.client.BatchRead(ctx, []chain.ReadCall{
		{Target: pool, Data: stakeData},
		{Target: pool, Data: rewardData},
	})
	if err != nil {
		return Position{}, err
	}
	if len(res) != 2 {
		return Position{}, fmt.Errorf("%w: %d results for 2 calls", chain.ErrReadFailed, len(res))
	}

	var out Position
	out.Stake, out.StakeErr = decode(res[0], poolabi.UnpackStakeOf)
	out.Reward, out.RewardErr = decode(res[1], poolabi.UnpackPendingReward)
	return out, nil
}

func decode(res chain.ReadResult, unpack func([]byte) (*big.Int, error)) (*big.Int, error) {
	if !res.Success {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, chain.ErrReadFailed
	}
	v, err := unpack(res.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
	}
	return v, nil
}
