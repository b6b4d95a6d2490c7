package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

func (c *Client) Read(ctx context.Context, call chain.ReadCall) ([]byte, error) {
	if call.Target == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero target", chain.ErrInvalidCall)
	}
	to := call.Target
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: call.Data}, call.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", chain.ErrReadFailed, call.Target, err)
	}
	return out, nil
}

// BatchRead aggregates reads into a single eth_call through Multicall3 when
// configured and all calls target the same block; otherwise it fans out.
func (c *Client) BatchRead(ctx context.Context, calls []chain.ReadCall) ([]chain.ReadResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if c.cfg.Multicall != (common.Address{}) && len(calls) > 1 && sameBlock(calls) {
		return c.batchReadMulticall(ctx, calls)
	}
	return c.batchReadParallel(ctx, calls)
}

func (c *Client) batchReadMulticall(ctx context.Context, calls []chain.ReadCall) ([]chain.ReadResult, error) {
	agg := make([]poolabi.Call3, 0, len(calls))
	for _, call := range calls {
		agg = append(agg, poolabi.Call3{Target: call.Target, AllowFailure: true, CallData: call.Data})
	}
	data, err := poolabi.PackAggregate3(agg)
	if err != nil {
		return nil, err
	}
	mc := c.cfg.Multicall
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &mc, Data: data}, calls[0].BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: multicall: %w", chain.ErrReadFailed, err)
	}
	res, err := poolabi.UnpackAggregate3(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
	}
	if len(res) != len(calls) {
		return nil, fmt.Errorf("%w: multicall returned %d results for %d calls", chain.ErrReadFailed, len(res), len(calls))
	}

	out := make([]chain.ReadResult, len(calls))
	for i, r := range res {
		out[i] = chain.ReadResult{Success: r.Success, Data: r.ReturnData}
		if !r.Success {
			out[i].Err = fmt.Errorf("%w: %s reverted", chain.ErrReadFailed, calls[i].Target)
		}
	}
	return out, nil
}

func (c *Client) batchReadParallel(ctx context.Context, calls []chain.ReadCall) ([]chain.ReadResult, error) {
	out := make([]chain.ReadResult, len(calls))

	var g errgroup.Group
	g.SetLimit(c.cfg.ReadConcurrency)
	for i := range calls {
		i := i
		g.Go(func() error {
			data, err := c.Read(ctx, calls[i])
			if err != nil {
				out[i] = chain.ReadResult{Err: err}
				return nil
			}
			out[i] = chain.ReadResult{Success: true, Data: data}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sameBlock(calls []chain.ReadCall) bool {
	first := calls[0].BlockNumber
	for _, c := range calls[1:] {
		switch {
		case first == nil && c.BlockNumber == nil:
		case first == nil || c.BlockNumber == nil:
			return false
		case first.Cmp(c.BlockNumber) != 0:
			return false
		}
	}
	return true
}
