// Package batchclaim claims a user's rewards across many pools in one
// aggregated transaction, tolerating per-pool failure.
package batchclaim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rewardpools/stake-engine/internal/audit"
	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/metrics"
	"github.com/rewardpools/stake-engine/internal/poolabi"
	"github.com/rewardpools/stake-engine/internal/poolreader"
	"github.com/rewardpools/stake-engine/internal/staking"
)

var ErrInvalidConfig = errors.New("batchclaim: invalid config")

type Status string

const (
	StatusClaimed Status = "claimed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	// StatusPending means the aggregate transaction had no receipt within
	// ReceiptTimeout; the operation sweeper settles it.
	StatusPending Status = "pending"
)

const (
	ReasonNoPendingReward   = "no_pending_reward"
	ReasonInFlight          = "in_flight"
	ReasonRewardUnavailable = "reward_unavailable"
	ReasonCallReverted      = "call_reverted"
	ReasonCoolingDown       = "cooling_down"
	ReasonDropped           = "dropped"
)

type Outcome string

const (
	OutcomeNothingToClaim Outcome = "nothing_to_claim"
	OutcomeSubmitFailed   Outcome = "submit_failed"
	OutcomeCompleted      Outcome = "completed"
	OutcomePartial        Outcome = "partial"
	OutcomeFailed         Outcome = "failed"
	OutcomePending        Outcome = "pending"
)

type PoolResult struct {
	Pool   staking.PoolRef
	Status Status
	Reason string
	Reward *big.Int
	// Err is the cause behind a skipped or failed pool, or the ledger error
	// after a successful on-chain claim.
	Err error
}

type Result struct {
	User    common.Address
	TxHash  common.Hash
	Outcome Outcome
	Pools   []PoolResult
	// LedgerLagging is set when a claimed pool could not yet be recorded in
	// the ledger; the sweeper finishes it.
	LedgerLagging bool
}

// Err classifies a non-completed result for callers that branch on error
// kind: staking.ErrNothingToClaim, staking.ErrBatchPartialFailure, or a
// *staking.ChainRejectedError when the aggregate transaction reverted. It is
// nil for completed and pending batches.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeNothingToClaim:
		return staking.ErrNothingToClaim
	case OutcomePartial:
		failed := r.count(StatusFailed)
		return fmt.Errorf("%w: %d of %d pool claim(s) failed in tx %s", staking.ErrBatchPartialFailure, failed, failed+r.count(StatusClaimed), r.TxHash.Hex())
	case OutcomeFailed:
		reason := ""
		for _, p := range r.Pools {
			if p.Status == StatusFailed {
				reason = p.Reason
				break
			}
		}
		return &staking.ChainRejectedError{TxHash: r.TxHash, Reason: reason}
	default:
		return nil
	}
}

func (r Result) count(s Status) int {
	n := 0
	for _, p := range r.Pools {
		if p.Status == s {
			n++
		}
	}
	return n
}

// Operations is the part of the operation coordinator a batch relies on.
type Operations interface {
	Busy(ctx context.Context, pair staking.Pair) (bool, error)
	Reserve(ctx context.Context, pair staking.Pair, holder string) (func(), error)
	CheckCooldown(ctx context.Context, pair staking.Pair) error
	Send(ctx context.Context, spec chain.CallSpec) (common.Hash, error)
	Track(txHash common.Hash, holder string, resolve func(ctx context.Context, rcpt chain.Receipt, err error))
	ReconcileClaim(ctx context.Context, pair staking.Pair, rcpt chain.Receipt) (ledger.ApplyResult, error)
}

type Config struct {
	ChainID uint64

	// ReceiptTimeout bounds the inline receipt wait; slower receipts are
	// settled by the operation sweeper.
	ReceiptTimeout time.Duration

	Now func() time.Time
}

type Orchestrator struct {
	cfg    Config
	ops    Operations
	client chain.Client
	ledger ledger.Store
	reader *poolreader.Reader
	log    *slog.Logger

	audit   audit.Log
	metrics *metrics.Metrics

	baseCtx context.Context
	stop    context.CancelFunc
}

func New(cfg Config, ops Operations, client chain.Client, store ledger.Store, log *slog.Logger) (*Orchestrator, error) {
	if ops == nil || client == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptTimeout < 0 {
		return nil, fmt.Errorf("%w: ReceiptTimeout must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reader, err := poolreader.New(client)
	if err != nil {
		return nil, err
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		ops:     ops,
		client:  client,
		ledger:  store,
		reader:  reader,
		log:     log,
		baseCtx: baseCtx,
		stop:    stop,
	}, nil
}

func (o *Orchestrator) WithAudit(l audit.Log) *Orchestrator {
	o.audit = l
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Close cancels audit writes still in progress.
func (o *Orchestrator) Close() {
	o.stop()
}

// candidate is one pool considered for the batch.
type candidate struct {
	pair    staking.Pair
	release func()
	reward  *big.Int
}

// ClaimAll claims every pool with a pending reward for user in one
// transaction. The error is non-nil only when the batch could not be
// attempted or its submission failed; per-pool failures are in the Result.
func (o *Orchestrator) ClaimAll(ctx context.Context, user common.Address) (Result, error) {
	if user == (common.Address{}) {
		return Result{}, fmt.Errorf("%w: missing user", staking.ErrInvalidInput)
	}
	stakes, err := o.ledger.ListUserStakes(ctx, user)
	if err != nil {
		return Result{}, fmt.Errorf("batchclaim: list stakes: %w", err)
	}

	res := Result{User: user}
	batchID := "batch-claim/" + uuid.NewString()
	var cands []*candidate
	defer func() {
		for _, c := range cands {
			if c.release != nil {
				c.release()
			}
		}
	}()

	for _, us := range stakes {
		if us.Pool.ChainID != o.cfg.ChainID {
			continue
		}
		pair := staking.Pair{User: user, Pool: us.Pool}
		busy, err := o.ops.Busy(ctx, pair)
		if err != nil {
			return Result{}, fmt.Errorf("batchclaim: check %s: %w", pair, err)
		}
		var release func()
		if !busy {
			release, err = o.ops.Reserve(ctx, pair, batchID)
			if err != nil && !errors.Is(err, staking.ErrConcurrentOperation) {
				return Result{}, fmt.Errorf("batchclaim: reserve %s: %w", pair, err)
			}
		}
		if release == nil {
			res.Pools = append(res.Pools, PoolResult{Pool: us.Pool, Status: StatusSkipped, Reason: ReasonInFlight})
			continue
		}
		// Checked under the reservation.
		if err := o.ops.CheckCooldown(ctx, pair); err != nil {
			release()
			if !errors.Is(err, staking.ErrCoolingDown) {
				return Result{}, fmt.Errorf("batchclaim: check cooldown %s: %w", pair, err)
			}
			res.Pools = append(res.Pools, PoolResult{Pool: us.Pool, Status: StatusSkipped, Reason: ReasonCoolingDown, Err: err})
			continue
		}
		cands = append(cands, &candidate{pair: pair, release: release})
	}

	eligible, err := o.readRewards(ctx, user, cands, &res)
	if err != nil {
		return Result{}, err
	}
	if len(eligible) == 0 {
		res.Outcome = OutcomeNothingToClaim
		o.record(res)
		return res, nil
	}

	spec := chain.CallSpec{From: user, Calls: make([]chain.Call, len(eligible))}
	for i, c := range eligible {
		data, err := poolabi.PackClaimFor(user)
		if err != nil {
			return Result{}, err
		}
		spec.Calls[i] = chain.Call{
			Target:       c.pair.Pool.Address,
			Data:         data,
			AllowFailure: true,
			SuccessEvent: poolabi.RewardClaimedTopic(),
		}
	}

	txHash, err := o.ops.Send(ctx, spec)
	if err != nil {
		res.Outcome = OutcomeSubmitFailed
		for _, c := range eligible {
			res.Pools = append(res.Pools, PoolResult{Pool: c.pair.Pool, Status: StatusFailed, Reason: err.Error(), Reward: c.reward})
		}
		o.log.Warn("batch claim submission failed", "user", user.Hex(), "pools", len(eligible), "err", err)
		o.record(res)
		return res, err
	}
	res.TxHash = txHash
	o.log.Info("batch claim submitted", "user", user.Hex(), "pools", len(eligible), "txHash", txHash.Hex())

	rcpt, err := o.client.WaitForReceipt(ctx, txHash, o.cfg.ReceiptTimeout)
	if err != nil {
		res.Outcome = OutcomePending
		for _, c := range eligible {
			res.Pools = append(res.Pools, PoolResult{Pool: c.pair.Pool, Status: StatusPending, Reward: c.reward})
		}
		o.ops.Track(txHash, batchID, func(ctx context.Context, rcpt chain.Receipt, err error) {
			o.settleLate(ctx, user, txHash, eligible, rcpt, err)
		})
		// Reservations now belong to the sweeper.
		cands = nil
		o.log.Warn("batch claim receipt not yet available; handed to sweeper", "txHash", txHash.Hex(), "err", err)
		return res, nil
	}

	o.settle(ctx, rcpt, eligible, &res)
	o.record(res)
	return res, nil
}

// readRewards batch-reads pending rewards and returns the pools worth
// claiming. Skipped pools are appended to res and released.
func (o *Orchestrator) readRewards(ctx context.Context, user common.Address, cands []*candidate, res *Result) ([]*candidate, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	addrs := make([]common.Address, len(cands))
	for i, c := range cands {
		addrs[i] = c.pair.Pool.Address
	}
	rewards, err := o.reader.PendingRewards(ctx, user, addrs)
	if err != nil {
		return nil, fmt.Errorf("batchclaim: read pending rewards: %w", err)
	}

	var eligible []*candidate
	for i, c := range cands {
		r := rewards[i]
		switch {
		case r.Err != nil:
			o.log.Warn("pending reward read failed", "pool", c.pair.Pool.String(), "user", user.Hex(), "err", r.Err)
			res.Pools = append(res.Pools, PoolResult{Pool: c.pair.Pool, Status: StatusSkipped, Reason: ReasonRewardUnavailable, Err: r.Err})
		case r.Amount == nil || r.Amount.Sign() <= 0:
			res.Pools = append(res.Pools, PoolResult{Pool: c.pair.Pool, Status: StatusSkipped, Reason: ReasonNoPendingReward, Reward: new(big.Int)})
		default:
			c.reward = r.Amount
			eligible = append(eligible, c)
			continue
		}
		c.release()
		c.release = nil
	}
	return eligible, nil
}

// settle maps per-call outcomes to pool results and reconciles claimed pools.
func (o *Orchestrator) settle(ctx context.Context, rcpt chain.Receipt, eligible []*candidate, res *Result) {
	var claimed, failed int
	for i, c := range eligible {
		pr := PoolResult{Pool: c.pair.Pool, Reward: c.reward}
		ok := rcpt.Success && i < len(rcpt.Calls) && rcpt.Calls[i].Success
		if !ok {
			pr.Status = StatusFailed
			pr.Reason = ReasonCallReverted
			if !rcpt.Success && rcpt.RevertReason != "" {
				pr.Reason = rcpt.RevertReason
			}
			failed++
			res.Pools = append(res.Pools, pr)
			continue
		}

		pr.Status = StatusClaimed
		claimed++
		if _, err := o.ops.ReconcileClaim(ctx, c.pair, rcpt); err != nil {
			pr.Err = err
			res.LedgerLagging = true
			o.log.Error("batch claim ledger update failed", "pool", c.pair.Pool.String(), "txHash", rcpt.TxHash.Hex(), "err", err)
		}
		res.Pools = append(res.Pools, pr)
	}

	switch {
	case failed == 0:
		res.Outcome = OutcomeCompleted
	case claimed == 0:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePartial
	}
}

// settleLate finishes a pending batch once the sweeper has its receipt, or
// records the batch as failed when the transaction was dropped. The
// reservations are released either way.
func (o *Orchestrator) settleLate(ctx context.Context, user common.Address, txHash common.Hash, eligible []*candidate, rcpt chain.Receipt, err error) {
	defer func() {
		for _, c := range eligible {
			c.release()
		}
	}()

	res := Result{User: user, TxHash: txHash}
	if err != nil {
		res.Outcome = OutcomeSubmitFailed
		for _, c := range eligible {
			res.Pools = append(res.Pools, PoolResult{Pool: c.pair.Pool, Status: StatusFailed, Reason: ReasonDropped, Reward: c.reward, Err: err})
		}
		o.log.Error("batch claim transaction dropped", "user", user.Hex(), "txHash", txHash.Hex(), "pools", len(eligible), "err", err)
		o.record(res)
		return
	}
	o.settle(ctx, rcpt, eligible, &res)
	o.record(res)
	o.log.Info("late batch claim settled", "txHash", txHash.Hex(), "outcome", res.Outcome)
}

// record writes metrics and one audit record per attempted pool.
func (o *Orchestrator) record(res Result) {
	for _, p := range res.Pools {
		o.metrics.BatchPool(string(p.Status))
	}
	if o.audit == nil || res.TxHash == (common.Hash{}) {
		return
	}
	now := o.cfg.Now().UTC()
	for _, p := range res.Pools {
		var state staking.State
		switch p.Status {
		case StatusClaimed:
			state = staking.StateReconciled
			if p.Err != nil {
				state = staking.StateReconciliationFailed
			}
		case StatusFailed:
			state = staking.StateChainRejected
			if res.Outcome == OutcomeSubmitFailed {
				state = staking.StateSubmissionFailed
			}
		default:
			continue
		}
		txHash := res.TxHash
		rec := audit.Record{
			Version:     audit.RecordVersion,
			BatchTxHash: &txHash,
			Kind:        staking.KindClaim,
			Pool:        p.Pool,
			User:        res.User,
			State:       state,
			TxHash:      res.TxHash,
			Applied:     p.Status == StatusClaimed && p.Err == nil,
			Reason:      p.Reason,
			CreatedAt:   now,
			FinishedAt:  now,
		}
		ctx, cancel := context.WithTimeout(o.baseCtx, 10*time.Second)
		if err := o.audit.Write(ctx, rec); err != nil {
			o.log.Error("write batch audit record", "pool", p.Pool.String(), "txHash", res.TxHash.Hex(), "err", err)
		}
		cancel()
	}
}
