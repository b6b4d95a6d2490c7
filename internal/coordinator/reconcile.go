package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/audit"
	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/events"
	"github.com/rewardpools/stake-engine/internal/idempotency"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/staking"
)

// entry is one confirmed transaction waiting to be applied to the ledger.
type entry struct {
	op       *operation // nil for batch claim shares
	key      idempotency.Key
	txHash   common.Hash
	block    uint64
	txIndex  uint
	mutation ledger.Mutation
	observed bool
	attempts int
}

func (c *Coordinator) confirm(op *operation) {
	snap := op.snapshot()
	rcpt, err := c.client.WaitForReceipt(c.baseCtx, snap.TxHash, c.cfg.ReceiptTimeout)
	switch {
	case err == nil:
		c.onReceipt(c.baseCtx, op, rcpt)
		return
	case c.baseCtx.Err() != nil:
		c.log.Warn("coordinator closed while awaiting receipt", "operation", snap.ID, "txHash", snap.TxHash.Hex())
		return
	case errors.Is(err, chain.ErrReceiptTimeout):
		c.log.Warn("receipt wait timed out; deferring to sweep", "operation", snap.ID, "txHash", snap.TxHash.Hex())
	default:
		c.log.Error("receipt wait failed; deferring to sweep", "operation", snap.ID, "txHash", snap.TxHash.Hex(), "err", err)
	}

	c.Track(snap.TxHash, snap.ID, func(ctx context.Context, rcpt chain.Receipt, err error) {
		if err != nil {
			c.finish(op, staking.StateSubmissionFailed, err, false)
			return
		}
		c.onReceipt(ctx, op, rcpt)
	})
	op.update(c.cfg.Now(), func(o *staking.Operation) { o.TimedOut = true })
}

// unresolved is a submitted transaction the sweeper is still waiting on.
type unresolved struct {
	holder  string
	since   time.Time
	resolve func(ctx context.Context, rcpt chain.Receipt, err error)
}

// Track hands a submitted transaction without a receipt to the sweeper.
// resolve runs once from a sweep: with the receipt when it appears, or with a
// *staking.SubmissionFailedError wrapping staking.ErrTransactionDropped when
// the node has forgotten the transaction after DropAfter.
func (c *Coordinator) Track(txHash common.Hash, holder string, resolve func(ctx context.Context, rcpt chain.Receipt, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timedOut[txHash] = &unresolved{holder: holder, since: c.cfg.Now(), resolve: resolve}
	c.metrics.SetUnresolved(len(c.timedOut) + c.backlogLenLocked())
}

func (c *Coordinator) onReceipt(ctx context.Context, op *operation, rcpt chain.Receipt) {
	c.mu.Lock()
	delete(c.timedOut, rcpt.TxHash)
	c.mu.Unlock()

	snap := op.update(c.cfg.Now(), func(o *staking.Operation) {
		o.BlockNumber = rcpt.BlockNumber
		o.TxIndex = rcpt.TxIndex
	})
	if !rcpt.Success {
		c.log.Warn("transaction reverted", "operation", snap.ID, "txHash", rcpt.TxHash.Hex(), "reason", rcpt.RevertReason)
		c.finish(op, staking.StateChainRejected, &staking.ChainRejectedError{TxHash: rcpt.TxHash, Reason: rcpt.RevertReason}, false)
		return
	}

	op.update(c.cfg.Now(), func(o *staking.Operation) { o.State = staking.StateConfirmed })
	c.emit(op, events.TypeConfirmed, "")
	snap = op.update(c.cfg.Now(), func(o *staking.Operation) { o.State = staking.StateReconciling })

	e := &entry{
		op:      op,
		key:     idempotency.TxKeyV1(rcpt.TxHash),
		txHash:  rcpt.TxHash,
		block:   rcpt.BlockNumber,
		txIndex: rcpt.TxIndex,
		mutation: ledger.Mutation{
			Kind:   snap.Kind,
			User:   snap.User,
			Pool:   snap.Pool,
			TxHash: rcpt.TxHash,
			Amount: staking.CloneAmount(snap.Amount),
		},
	}
	_, _ = c.reconcilePair(ctx, snap.Pair(), e, c.cfg.LedgerAttempts)
}

// ReconcileClaim applies one pool's share of a confirmed aggregate claim. It
// follows the same per-pair ordering as single operations.
func (c *Coordinator) ReconcileClaim(ctx context.Context, pair staking.Pair, rcpt chain.Receipt) (ledger.ApplyResult, error) {
	e := &entry{
		key:     idempotency.PoolClaimKeyV1(rcpt.TxHash, pair.Pool),
		txHash:  rcpt.TxHash,
		block:   rcpt.BlockNumber,
		txIndex: rcpt.TxIndex,
		mutation: ledger.Mutation{
			Kind:   staking.KindClaim,
			User:   pair.User,
			Pool:   pair.Pool,
			TxHash: rcpt.TxHash,
		},
	}
	return c.reconcilePair(ctx, pair, e, c.cfg.LedgerAttempts)
}

// reconcilePair applies the pair's parked entries and then target, in receipt
// order. The first entry that cannot be applied parks itself and every later
// entry for the sweeper. The error describes target, or the first parked
// entry when target is nil.
func (c *Coordinator) reconcilePair(ctx context.Context, pair staking.Pair, target *entry, attempts int) (ledger.ApplyResult, error) {
	unlock := c.pairs.lock(pair)
	defer unlock()

	c.mu.Lock()
	queue := c.backlog[pair]
	delete(c.backlog, pair)
	c.mu.Unlock()
	if target != nil {
		queue = append(queue, target)
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].block != queue[j].block {
			return queue[i].block < queue[j].block
		}
		return queue[i].txIndex < queue[j].txIndex
	})

	for i, e := range queue {
		res, err := c.apply(ctx, e, attempts)
		if err != nil {
			rest := queue[i:]
			c.park(pair, rest)
			var targetErr error
			for _, p := range rest {
				desync := &staking.LedgerDesyncError{TxHash: p.txHash, Pair: pair, Attempts: p.attempts, Err: err}
				if p == target || (target == nil && targetErr == nil) {
					targetErr = desync
				}
				if p.op != nil {
					c.finish(p.op, staking.StateReconciliationFailed, desync, false)
				}
			}
			c.log.Error("ledger reconciliation failed; parked for sweep", "pair", pair.String(), "txHash", e.txHash.Hex(), "parked", len(rest), "err", err)
			return ledger.ApplyResult{}, targetErr
		}
		c.applied(e, res)
		if e == target {
			return res, nil
		}
	}
	return ledger.ApplyResult{}, nil
}

func (c *Coordinator) park(pair staking.Pair, rest []*entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog[pair] = append(append([]*entry(nil), rest...), c.backlog[pair]...)
	c.metrics.SetUnresolved(len(c.timedOut) + c.backlogLenLocked())
}

func (c *Coordinator) backlogLenLocked() int {
	n := 0
	for _, q := range c.backlog {
		n += len(q)
	}
	return n
}

// apply resolves the authoritative post-confirmation stake once, then calls
// ApplyIfNew with exponential backoff.
func (c *Coordinator) apply(ctx context.Context, e *entry, attempts int) (ledger.ApplyResult, error) {
	if e.mutation.At.IsZero() {
		e.mutation.At = c.cfg.Now()
	}
	if !e.observed && e.mutation.Kind != staking.KindClaim {
		block := new(big.Int).SetUint64(e.block)
		v, err := c.reader.StakeOf(ctx, e.mutation.User, e.mutation.Pool.Address, block)
		if err != nil {
			c.log.Warn("post-confirmation stake read failed; using ledger arithmetic", "txHash", e.txHash.Hex(), "block", e.block, "err", err)
		} else {
			e.mutation.Observed = v
		}
		e.observed = true
	}

	delay := c.cfg.LedgerBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.metrics.LedgerRetry()
			if err := c.cfg.Sleep(ctx, delay); err != nil {
				return ledger.ApplyResult{}, errors.Join(lastErr, err)
			}
			delay = min(delay*2, c.cfg.LedgerMaxBackoff)
		}
		e.attempts++
		res, err := c.ledger.ApplyIfNew(ctx, e.key, e.mutation)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ledger.ErrInvalidInput) {
			break
		}
	}
	return ledger.ApplyResult{}, lastErr
}

func (c *Coordinator) applied(e *entry, res ledger.ApplyResult) {
	m := e.mutation
	c.metrics.LedgerApplied(m.Kind, res.Applied, res.Diverged())
	if res.Clamped {
		c.log.Warn("unstake exceeded confirmed stake; clamped to zero", "pool", m.Pool.String(), "user", m.User.Hex(), "txHash", e.txHash.Hex())
	}
	if res.Diverged() {
		c.log.Warn("chain stake differs from ledger arithmetic; adopting chain value",
			"pool", m.Pool.String(), "user", m.User.Hex(), "txHash", e.txHash.Hex(),
			"expected", res.Expected.String(), "observed", res.Current.String())
	}
	if !res.Applied {
		c.log.Info("transaction already reconciled", "txHash", e.txHash.Hex(), "pool", m.Pool.String())
	}

	if e.op != nil && !e.op.snapshot().State.Terminal() {
		c.finish(e.op, staking.StateReconciled, nil, res.Applied)
		return
	}

	// Batch claim shares and entries recovered by the sweeper.
	ev := events.Event{
		Type:   events.TypeReconciled,
		Kind:   m.Kind,
		Pool:   m.Pool,
		User:   m.User,
		TxHash: e.txHash,
		At:     c.cfg.Now().UTC(),
	}
	if e.op != nil {
		snap := e.op.snapshot()
		ev.OperationID = snap.ID
		c.log.Info("desynced transaction reconciled", "operation", snap.ID, "txHash", e.txHash.Hex(), "attempts", e.attempts)
		rec := audit.FromOperation(snap, res.Applied)
		rec.State = staking.StateReconciled
		rec.Reason = ""
		rec.FinishedAt = ev.At
		c.writeAudit(rec)
	}
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// pairLocks serializes reconciliation per (user, pool).
type pairLocks struct {
	mu    sync.Mutex
	locks map[staking.Pair]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func (p *pairLocks) lock(pair staking.Pair) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[staking.Pair]*pairLock)
	}
	l, ok := p.locks[pair]
	if !ok {
		l = &pairLock{}
		p.locks[pair] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, pair)
		}
		p.mu.Unlock()
	}
}
