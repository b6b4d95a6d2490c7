// Package coordinator drives single stake, unstake and claim operations from
// submission through confirmation into the ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rewardpools/stake-engine/internal/audit"
	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/events"
	"github.com/rewardpools/stake-engine/internal/leases"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/metrics"
	"github.com/rewardpools/stake-engine/internal/poolabi"
	"github.com/rewardpools/stake-engine/internal/poolreader"
	"github.com/rewardpools/stake-engine/internal/staking"
)

var ErrInvalidConfig = errors.New("coordinator: invalid config")

type Config struct {
	ChainID uint64

	// ReceiptTimeout bounds the inline receipt wait; slower receipts are left
	// to the sweeper.
	ReceiptTimeout time.Duration

	SubmitAttempts int
	SubmitBackoff  time.Duration

	LedgerAttempts   int
	LedgerBackoff    time.Duration
	LedgerMaxBackoff time.Duration

	// Retention keeps terminal operations visible to Get.
	Retention time.Duration

	// ClaimCooldown is the minimum interval between claims on one pair.
	ClaimCooldown time.Duration

	// DropAfter is how long an unresolved transaction may go without a
	// receipt before the sweeper asks the node whether it still exists.
	DropAfter time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request describes one operation. Amount is required for stake and unstake
// and must be nil for claim.
type Request struct {
	Kind   staking.Kind
	Pool   staking.PoolRef
	User   common.Address
	Amount *big.Int
}

type Coordinator struct {
	cfg    Config
	client chain.Client
	ledger ledger.Store
	log    *slog.Logger

	reader  *poolreader.Reader
	slots   *leases.Slots
	audit   audit.Log
	bus     *events.Bus
	metrics *metrics.Metrics

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	pairs pairLocks

	mu sync.Mutex
	// active maps a pair to the id holding it: an operation or a batch reservation.
	active   map[staking.Pair]string
	ops      map[string]*operation
	timedOut map[common.Hash]*unresolved
	backlog  map[staking.Pair][]*entry
}

func New(cfg Config, client chain.Client, store ledger.Store, log *slog.Logger) (*Coordinator, error) {
	if client == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.SubmitAttempts == 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.SubmitBackoff == 0 {
		cfg.SubmitBackoff = 500 * time.Millisecond
	}
	if cfg.LedgerAttempts == 0 {
		cfg.LedgerAttempts = 5
	}
	if cfg.LedgerBackoff == 0 {
		cfg.LedgerBackoff = 100 * time.Millisecond
	}
	if cfg.LedgerMaxBackoff == 0 {
		cfg.LedgerMaxBackoff = 5 * time.Second
	}
	if cfg.Retention == 0 {
		cfg.Retention = 15 * time.Minute
	}
	if cfg.ClaimCooldown == 0 {
		cfg.ClaimCooldown = 24 * time.Hour
	}
	if cfg.DropAfter == 0 {
		cfg.DropAfter = 30 * time.Minute
	}
	switch {
	case cfg.ReceiptTimeout < 0:
		return nil, fmt.Errorf("%w: ReceiptTimeout must be > 0", ErrInvalidConfig)
	case cfg.SubmitAttempts < 0 || cfg.LedgerAttempts < 0:
		return nil, fmt.Errorf("%w: attempts must be > 0", ErrInvalidConfig)
	case cfg.SubmitBackoff < 0 || cfg.LedgerBackoff < 0:
		return nil, fmt.Errorf("%w: backoff must be > 0", ErrInvalidConfig)
	case cfg.LedgerMaxBackoff < cfg.LedgerBackoff:
		return nil, fmt.Errorf("%w: LedgerMaxBackoff must be >= LedgerBackoff", ErrInvalidConfig)
	case cfg.Retention < 0:
		return nil, fmt.Errorf("%w: Retention must be > 0", ErrInvalidConfig)
	case cfg.ClaimCooldown < 0:
		return nil, fmt.Errorf("%w: ClaimCooldown must be > 0", ErrInvalidConfig)
	case cfg.DropAfter < 0:
		return nil, fmt.Errorf("%w: DropAfter must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reader, err := poolreader.New(client)
	if err != nil {
		return nil, err
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		client:   client,
		ledger:   store,
		log:      log,
		reader:   reader,
		baseCtx:  baseCtx,
		stop:     stop,
		active:   make(map[staking.Pair]string),
		ops:      make(map[string]*operation),
		timedOut: make(map[common.Hash]*unresolved),
		backlog:  make(map[staking.Pair][]*entry),
	}, nil
}

// WithSlots enforces single in-flight operations across engine instances.
func (c *Coordinator) WithSlots(s *leases.Slots) *Coordinator {
	c.slots = s
	return c
}

func (c *Coordinator) WithAudit(l audit.Log) *Coordinator {
	c.audit = l
	return c
}

func (c *Coordinator) WithBus(b *events.Bus) *Coordinator {
	c.bus = b
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Close stops background confirmation work and waits for it to exit.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for h, u := range c.timedOut {
		c.log.Warn("unresolved transaction at shutdown", "holder", u.holder, "txHash", h.Hex())
	}
	for pair, q := range c.backlog {
		for _, e := range q {
			c.log.Warn("desynced transaction at shutdown", "pair", pair.String(), "txHash", e.txHash.Hex())
		}
	}
}

func (c *Coordinator) validate(req Request) error {
	if req.User == (common.Address{}) || req.Pool.IsZero() {
		return fmt.Errorf("%w: missing user or pool", staking.ErrInvalidInput)
	}
	if req.Pool.ChainID != c.cfg.ChainID {
		return fmt.Errorf("%w: pool on chain %d, engine serves %d", staking.ErrInvalidInput, req.Pool.ChainID, c.cfg.ChainID)
	}
	switch req.Kind {
	case staking.KindStake, staking.KindUnstake:
		if req.Amount == nil || req.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: %s amount must be > 0", staking.ErrInvalidInput, req.Kind)
		}
	case staking.KindClaim:
		if req.Amount != nil {
			return fmt.Errorf("%w: claim takes no amount", staking.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: kind %s", staking.ErrInvalidInput, req.Kind)
	}
	return nil
}

func callFor(req Request) (chain.Call, error) {
	call := chain.Call{Target: req.Pool.Address}
	var err error
	switch req.Kind {
	case staking.KindStake:
		call.Data, err = poolabi.PackStake()
		call.Value = new(big.Int).Set(req.Amount)
	case staking.KindUnstake:
		call.Data, err = poolabi.PackUnstake(req.Amount)
	case staking.KindClaim:
		call.Data, err = poolabi.PackClaim()
	}
	return call, err
}

// Submit reserves the pair, sends the transaction and returns once it has a
// transaction hash. Confirmation and reconciliation continue in the
// background regardless of ctx.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Handle, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	call, err := callFor(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", staking.ErrInvalidInput, err)
	}

	now := c.cfg.Now()
	op := newOperation(staking.Operation{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Pool:      req.Pool,
		User:      req.User,
		Amount:    staking.CloneAmount(req.Amount),
		State:     staking.StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	})
	pair := op.pair()

	if err := c.reserve(ctx, pair, op.id()); err != nil {
		return nil, err
	}
	var check error
	switch req.Kind {
	case staking.KindUnstake:
		check = c.checkUnstake(ctx, pair, req.Amount)
	case staking.KindClaim:
		check = c.CheckCooldown(ctx, pair)
	}
	if check != nil {
		c.unreserve(pair, op.id())
		return nil, check
	}
	op.update(c.cfg.Now(), func(o *staking.Operation) { o.State = staking.StateSubmitting })

	c.mu.Lock()
	c.ops[op.id()] = op
	c.metrics.SetInFlight(len(c.active))
	c.mu.Unlock()

	txHash, attempts, err := c.send(ctx, chain.CallSpec{From: req.User, Calls: []chain.Call{call}})
	if err != nil {
		failure := &staking.SubmissionFailedError{Attempts: attempts, Err: err}
		c.log.Warn("submission failed", "operation", op.id(), "kind", req.Kind, "pair", pair.String(), "attempts", attempts, "err", err)
		c.finish(op, staking.StateSubmissionFailed, failure, false)
		return nil, failure
	}

	op.update(c.cfg.Now(), func(o *staking.Operation) {
		o.State = staking.StateAwaitingConfirmation
		o.TxHash = txHash
	})
	c.emit(op, events.TypeSubmitted, "")
	c.log.Info("operation submitted", "operation", op.id(), "kind", req.Kind, "pair", pair.String(), "txHash", txHash.Hex())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.confirm(op)
	}()
	return &Handle{op: op}, nil
}

// Get returns the handle of a live or recently finished operation.
func (c *Coordinator) Get(id string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", staking.ErrOperationNotFound, id)
	}
	return &Handle{op: op}, nil
}

// Busy reports whether the pair has an operation in flight here or on
// another instance.
func (c *Coordinator) Busy(ctx context.Context, pair staking.Pair) (bool, error) {
	c.mu.Lock()
	_, ok := c.active[pair]
	c.mu.Unlock()
	if ok || c.slots == nil {
		return ok, nil
	}
	return c.slots.Held(ctx, pair, c.cfg.Now())
}

// Reserve holds the pair for an external batch. The returned func releases it.
func (c *Coordinator) Reserve(ctx context.Context, pair staking.Pair, holder string) (func(), error) {
	if err := c.reserve(ctx, pair, holder); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.unreserve(pair, holder)
		})
	}, nil
}

func (c *Coordinator) reserve(ctx context.Context, pair staking.Pair, holder string) error {
	c.mu.Lock()
	if cur, ok := c.active[pair]; ok {
		c.mu.Unlock()
		return &staking.ConcurrentOperationError{Pair: pair, OperationID: cur}
	}
	c.active[pair] = holder
	c.mu.Unlock()

	if c.slots == nil {
		return nil
	}
	if err := c.slots.Acquire(ctx, pair); err != nil {
		c.mu.Lock()
		delete(c.active, pair)
		c.mu.Unlock()
		if errors.Is(err, leases.ErrSlotHeld) {
			return &staking.ConcurrentOperationError{Pair: pair}
		}
		return fmt.Errorf("coordinator: acquire slot %s: %w", pair, err)
	}
	return nil
}

func (c *Coordinator) unreserve(pair staking.Pair, holder string) {
	c.mu.Lock()
	if c.active[pair] == holder {
		delete(c.active, pair)
	}
	c.metrics.SetInFlight(len(c.active))
	c.mu.Unlock()

	if c.slots != nil {
		ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
		defer cancel()
		c.slots.Release(ctx, pair)
	}
}

func (c *Coordinator) checkUnstake(ctx context.Context, pair staking.Pair, amount *big.Int) error {
	us, err := c.ledger.GetUserStake(ctx, pair.User, pair.Pool)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("coordinator: read confirmed stake: %w", err)
	}
	confirmed := staking.AmountOrZero(us.ConfirmedAmount)
	if amount.Cmp(confirmed) > 0 {
		return &staking.InsufficientStakeError{Requested: new(big.Int).Set(amount), Confirmed: new(big.Int).Set(confirmed)}
	}
	return nil
}

// CheckCooldown returns a *staking.CoolingDownError when the pair claimed
// less than ClaimCooldown ago.
func (c *Coordinator) CheckCooldown(ctx context.Context, pair staking.Pair) error {
	last, err := c.ledger.GetLastClaim(ctx, pair.User, pair.Pool)
	if err != nil {
		return fmt.Errorf("coordinator: read last claim: %w", err)
	}
	until := staking.CooldownUntil(last, c.cfg.ClaimCooldown)
	if until != nil && c.cfg.Now().Before(*until) {
		return &staking.CoolingDownError{Pair: pair, Until: *until}
	}
	return nil
}

// Send submits spec with the coordinator's retry policy. Failures are
// returned as *staking.SubmissionFailedError.
func (c *Coordinator) Send(ctx context.Context, spec chain.CallSpec) (common.Hash, error) {
	h, attempts, err := c.send(ctx, spec)
	if err != nil {
		return common.Hash{}, &staking.SubmissionFailedError{Attempts: attempts, Err: err}
	}
	return h, nil
}

// send submits with bounded retries. Deterministic rejections are not retried.
func (c *Coordinator) send(ctx context.Context, spec chain.CallSpec) (common.Hash, int, error) {
	delay := c.cfg.SubmitBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SubmitAttempts; attempt++ {
		h, err := c.client.Submit(ctx, spec)
		c.metrics.SubmitAttempt(err)
		if err == nil {
			return h, attempt, nil
		}
		lastErr = err
		if errors.Is(err, chain.ErrSubmitRejected) || errors.Is(err, chain.ErrInvalidCall) || ctx.Err() != nil {
			return common.Hash{}, attempt, err
		}
		if attempt == c.cfg.SubmitAttempts {
			return common.Hash{}, attempt, err
		}
		c.log.Debug("retrying submission", "attempt", attempt, "err", err)
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return common.Hash{}, attempt, errors.Join(lastErr, err)
		}
		delay *= 2
	}
	return common.Hash{}, c.cfg.SubmitAttempts, lastErr
}

// finish releases op's pair and moves op to a terminal state.
func (c *Coordinator) finish(op *operation, state staking.State, cause error, applied bool) {
	cur := op.snapshot()
	if cur.State.Terminal() {
		return
	}
	c.mu.Lock()
	delete(c.timedOut, cur.TxHash)
	c.mu.Unlock()
	c.unreserve(cur.Pair(), cur.ID)

	snap := op.update(c.cfg.Now(), func(o *staking.Operation) {
		o.State = state
		o.Err = cause
	})
	if state == staking.StateReconciled {
		c.emit(op, events.TypeReconciled, "")
	} else {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		c.emit(op, events.TypeFailed, reason)
	}
	op.close()

	c.metrics.OperationFinished(snap.Kind, state, snap.UpdatedAt.Sub(snap.CreatedAt))
	c.writeAudit(audit.FromOperation(snap, applied))
}

func (c *Coordinator) emit(op *operation, typ events.Type, reason string) {
	snap := op.snapshot()
	e := events.Event{
		Type:        typ,
		OperationID: snap.ID,
		Kind:        snap.Kind,
		Pool:        snap.Pool,
		User:        snap.User,
		TxHash:      snap.TxHash,
		Reason:      reason,
		At:          c.cfg.Now().UTC(),
	}
	op.notify(e)
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Coordinator) writeAudit(r audit.Record) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
	defer cancel()
	if err := c.audit.Write(ctx, r); err != nil {
		c.log.Error("write audit record", "operation", r.OperationID, "txHash", r.TxHash.Hex(), "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
