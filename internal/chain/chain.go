// Package chain defines the contract between the engine and an EVM chain:
// submitting (possibly aggregated) calls, waiting for receipts with per-call
// outcomes, and batched reads.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidCall = errors.New("chain: invalid call")
	// ErrReceiptTimeout means no receipt was observed before the wait bound.
	// The transaction may still be mined later.
	ErrReceiptTimeout = errors.New("chain: receipt timeout")
	// ErrSubmitRejected marks submission errors that are deterministic
	// (the call reverts in simulation, the signer is unknown) and must not be retried.
	ErrSubmitRejected = errors.New("chain: submit rejected")
	ErrReadFailed     = errors.New("chain: read failed")
)

// Call is one contract invocation. In an aggregated CallSpec, AllowFailure
// lets the remaining calls proceed when this one reverts.
type Call struct {
	Target       common.Address
	Data         []byte
	Value        *big.Int
	AllowFailure bool

	// SuccessEvent is the topic Target emits when the call succeeds. Aggregate
	// per-call outcomes are derived from receipt logs; a zero topic means any
	// log emitted by Target counts.
	SuccessEvent common.Hash
}

// CallSpec is a single transaction. More than one call is sent as one
// aggregated transaction.
type CallSpec struct {
	From     common.Address
	Calls    []Call
	GasLimit uint64 // optional; 0 => estimate
}

func (s CallSpec) Validate() error {
	if len(s.Calls) == 0 {
		return fmt.Errorf("%w: no calls", ErrInvalidCall)
	}
	for _, c := range s.Calls {
		if c.Target == (common.Address{}) {
			return fmt.Errorf("%w: zero target", ErrInvalidCall)
		}
		if c.Value != nil && c.Value.Sign() < 0 {
			return fmt.Errorf("%w: negative value", ErrInvalidCall)
		}
	}
	return nil
}

// TotalValue is the native value the transaction must carry.
func (s CallSpec) TotalValue() *big.Int {
	v := new(big.Int)
	for _, c := range s.Calls {
		if c.Value != nil {
			v.Add(v, c.Value)
		}
	}
	return v
}

type CallOutcome struct {
	Target  common.Address
	Success bool
}

type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	TxIndex     uint
	// RevertReason is best-effort and only set when Success is false.
	RevertReason string
	// Calls holds one outcome per submitted call, in submission order.
	Calls []CallOutcome
}

// ReadCall is an eth_call. BlockNumber nil reads latest.
type ReadCall struct {
	Target      common.Address
	Data        []byte
	BlockNumber *big.Int
}

// ReadResult is one entry of a batch read. A failed call does not fail the batch.
type ReadResult struct {
	Success bool
	Data    []byte
	Err     error
}

type Client interface {
	Submit(ctx context.Context, spec CallSpec) (common.Hash, error)
	// WaitForReceipt polls until a receipt is found, ctx is done, or timeout
	// elapses (ErrReceiptTimeout). A timeout <= 0 checks exactly once.
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (Receipt, error)
	// TransactionKnown reports whether the node still knows txHash, pending
	// or mined. False means the transaction was dropped or replaced.
	TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error)
	BatchRead(ctx context.Context, calls []ReadCall) ([]ReadResult, error)
	Read(ctx context.Context, call ReadCall) ([]byte, error)
}
