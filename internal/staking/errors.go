package staking

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput         = errors.New("staking: invalid input")
	ErrConcurrentOperation  = errors.New("staking: concurrent operation")
	ErrInsufficientStake    = errors.New("staking: insufficient confirmed stake")
	ErrChainRejected        = errors.New("staking: chain rejected")
	ErrSubmissionFailed     = errors.New("staking: submission failed")
	ErrLedgerDesync         = errors.New("staking: ledger desync")
	ErrNothingToClaim       = errors.New("staking: nothing to claim")
	ErrBatchPartialFailure  = errors.New("staking: batch partial failure")
	ErrOperationNotFound    = errors.New("staking: operation not found")
	ErrAwaitingConfirmation = errors.New("staking: awaiting confirmation")
	ErrCoolingDown          = errors.New("staking: claim cooling down")
	// ErrTransactionDropped means the node no longer knows a submitted
	// transaction that never produced a receipt.
	ErrTransactionDropped = errors.New("staking: transaction dropped")
)

// ConcurrentOperationError names the operation already holding the pair.
type ConcurrentOperationError struct {
	Pair        Pair
	OperationID string
}

func (e *ConcurrentOperationError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("%s: %s", ErrConcurrentOperation, e.Pair)
	}
	return fmt.Sprintf("%s: %s held by %s", ErrConcurrentOperation, e.Pair, e.OperationID)
}

func (e *ConcurrentOperationError) Unwrap() error { return ErrConcurrentOperation }

type InsufficientStakeError struct {
	Requested *big.Int
	Confirmed *big.Int
}

func (e *InsufficientStakeError) Error() string {
	return fmt.Sprintf("%s: requested %s, confirmed %s", ErrInsufficientStake, AmountOrZero(e.Requested), AmountOrZero(e.Confirmed))
}

func (e *InsufficientStakeError) Unwrap() error { return ErrInsufficientStake }

// CoolingDownError rejects a claim made before the pool's cooldown elapsed.
type CoolingDownError struct {
	Pair  Pair
	Until time.Time
}

func (e *CoolingDownError) Error() string {
	return fmt.Sprintf("%s: %s until %s", ErrCoolingDown, e.Pair, e.Until.UTC().Format(time.RFC3339))
}

func (e *CoolingDownError) Unwrap() error { return ErrCoolingDown }

// CooldownUntil returns when the next claim is allowed, or nil when lastClaim
// is unset or cooldown is not positive.
func CooldownUntil(lastClaim *time.Time, cooldown time.Duration) *time.Time {
	if lastClaim == nil || cooldown <= 0 {
		return nil
	}
	until := lastClaim.Add(cooldown)
	return &until
}

// ChainRejectedError reports a reverted transaction. No ledger mutation happened.
type ChainRejectedError struct {
	TxHash common.Hash
	Reason string
}

func (e *ChainRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: tx %s reverted", ErrChainRejected, e.TxHash)
	}
	return fmt.Sprintf("%s: tx %s reverted: %s", ErrChainRejected, e.TxHash, e.Reason)
}

func (e *ChainRejectedError) Unwrap() error { return ErrChainRejected }

type SubmissionFailedError struct {
	Attempts int
	Err      error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrSubmissionFailed, e.Attempts, e.Err)
}

func (e *SubmissionFailedError) Unwrap() []error { return []error{ErrSubmissionFailed, e.Err} }

// LedgerDesyncError means the chain operation succeeded but the ledger could not
// record it. The transaction stays queued for the background sweep.
type LedgerDesyncError struct {
	TxHash   common.Hash
	Pair     Pair
	Attempts int
	Err      error
}

func (e *LedgerDesyncError) Error() string {
	return fmt.Sprintf("%s: tx %s confirmed on chain for %s but ledger update failed after %d attempt(s): %v", ErrLedgerDesync, e.TxHash, e.Pair, e.Attempts, e.Err)
}

func (e *LedgerDesyncError) Unwrap() []error { return []error{ErrLedgerDesync, e.Err} }
