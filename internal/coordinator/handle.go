package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/events"
	"github.com/rewardpools/stake-engine/internal/staking"
)

// operation is the coordinator's mutable record of one request.
type operation struct {
	mu      sync.Mutex
	snap    staking.Operation
	changed chan struct{}
	events  chan events.Event
	closed  bool
}

func newOperation(snap staking.Operation) *operation {
	return &operation{
		snap:    snap,
		changed: make(chan struct{}),
		// Submitted, Confirmed and one terminal event.
		events: make(chan events.Event, 4),
	}
}

func (o *operation) id() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.ID
}

func (o *operation) pair() staking.Pair {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Pair()
}

func (o *operation) snapshot() staking.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Clone()
}

// update applies fn and wakes waiters. Terminal operations are not modified.
func (o *operation) update(now time.Time, fn func(*staking.Operation)) staking.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.State.Terminal() {
		return o.snap.Clone()
	}
	fn(&o.snap)
	o.snap.UpdatedAt = now
	close(o.changed)
	o.changed = make(chan struct{})
	return o.snap.Clone()
}

func (o *operation) notify(e events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.events <- e:
	default:
	}
}

func (o *operation) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

func (o *operation) watch() (staking.Operation, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Clone(), o.changed
}

// Handle observes one submitted operation.
type Handle struct {
	op *operation
}

func (h *Handle) ID() string { return h.op.id() }

func (h *Handle) TxHash() common.Hash { return h.op.snapshot().TxHash }

func (h *Handle) Snapshot() staking.Operation { return h.op.snapshot() }

// Events delivers Submitted, Confirmed and a final Reconciled or Failed
// event, then closes. Events the reader misses are dropped.
func (h *Handle) Events() <-chan events.Event { return h.op.events }

// Wait blocks until the operation is terminal and returns its final snapshot
// and terminal error. If ctx ends first, the error wraps
// ErrAwaitingConfirmation; the operation keeps running.
func (h *Handle) Wait(ctx context.Context) (staking.Operation, error) {
	for {
		snap, changed := h.op.watch()
		if snap.State.Terminal() {
			return snap, snap.Err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, fmt.Errorf("%w: %s: %w", staking.ErrAwaitingConfirmation, snap.State, ctx.Err())
		}
	}
}
