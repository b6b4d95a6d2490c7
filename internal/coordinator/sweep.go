package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/staking"
)

// Sweep performs one background pass:
//   - recheck transactions whose receipt wait timed out, and resolve those the
//     node no longer knows after DropAfter as dropped
//   - retry ledger entries parked after exhausted retries
//   - renew operation slots held by this instance
//   - forget terminal operations older than Retention
func (c *Coordinator) Sweep(ctx context.Context) error {
	c.mu.Lock()
	pending := make(map[common.Hash]*unresolved, len(c.timedOut))
	// Rechecked transactions leave the map so concurrent sweeps skip them.
	for h, u := range c.timedOut {
		pending[h] = u
		delete(c.timedOut, h)
	}
	parked := make([]staking.Pair, 0, len(c.backlog))
	for pair := range c.backlog {
		parked = append(parked, pair)
	}
	c.mu.Unlock()

	var errs []error
	for h, u := range pending {
		if err := c.recheck(ctx, h, u); err != nil {
			errs = append(errs, err)
		}
	}

	for _, pair := range parked {
		if _, err := c.reconcilePair(ctx, pair, nil, 1); err != nil {
			errs = append(errs, err)
		}
	}

	if c.slots != nil {
		c.mu.Lock()
		held := make([]staking.Pair, 0, len(c.active))
		for pair := range c.active {
			held = append(held, pair)
		}
		c.mu.Unlock()
		for _, pair := range held {
			if err := c.slots.Renew(ctx, pair); err != nil {
				c.log.Warn("renew operation slot", "pair", pair.String(), "err", err)
			}
		}
	}

	cutoff := c.cfg.Now().Add(-c.cfg.Retention)
	c.mu.Lock()
	for id, op := range c.ops {
		snap := op.snapshot()
		if snap.State.Terminal() && snap.UpdatedAt.Before(cutoff) {
			delete(c.ops, id)
		}
	}
	c.metrics.SetUnresolved(len(c.timedOut) + c.backlogLenLocked())
	c.mu.Unlock()

	return errors.Join(errs...)
}

// recheck resolves u when its receipt exists or its transaction was dropped,
// and otherwise puts it back for the next sweep.
func (c *Coordinator) recheck(ctx context.Context, h common.Hash, u *unresolved) error {
	requeue := func() {
		c.mu.Lock()
		c.timedOut[h] = u
		c.mu.Unlock()
	}

	rcpt, err := c.client.WaitForReceipt(ctx, h, 0)
	if err == nil {
		c.log.Info("sweep found receipt", "holder", u.holder, "txHash", h.Hex(), "success", rcpt.Success)
		u.resolve(ctx, rcpt, nil)
		return nil
	}
	if !errors.Is(err, chain.ErrReceiptTimeout) {
		requeue()
		return err
	}
	if c.cfg.Now().Sub(u.since) < c.cfg.DropAfter {
		requeue()
		return nil
	}

	known, err := c.client.TransactionKnown(ctx, h)
	if err != nil {
		requeue()
		return err
	}
	if known {
		requeue()
		return nil
	}
	c.log.Warn("transaction dropped without a receipt", "holder", u.holder, "txHash", h.Hex(), "since", u.since)
	u.resolve(ctx, chain.Receipt{}, &staking.SubmissionFailedError{
		Attempts: 1,
		Err:      fmt.Errorf("%w: %s", staking.ErrTransactionDropped, h.Hex()),
	})
	return nil
}

// Unresolved counts transactions waiting on the sweeper.
func (c *Coordinator) Unresolved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timedOut) + c.backlogLenLocked()
}

// Run sweeps every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Sweep(ctx); err != nil {
				c.log.Error("sweep", "err", err)
			}
		}
	}
}
