package staking

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolRef identifies a reward pool contract. (ChainID, Address) is unique.
type PoolRef struct {
	ChainID uint64         `json:"chainId"`
	Address common.Address `json:"address"`
}

func (p PoolRef) String() string {
	return fmt.Sprintf("%d:%s", p.ChainID, strings.ToLower(p.Address.Hex()))
}

func (p PoolRef) IsZero() bool {
	return p.ChainID == 0 || p.Address == (common.Address{})
}

// Pair is the unit of operation exclusivity and reconciliation ordering.
type Pair struct {
	User common.Address
	Pool PoolRef
}

func (p Pair) String() string {
	return p.Pool.String() + "/" + strings.ToLower(p.User.Hex())
}

type Pool struct {
	Ref          PoolRef
	Creator      common.Address
	Name         string
	Description  string
	TotalStaked  *big.Int
	Participants uint64
	CreatedAt    time.Time
}

type UserStake struct {
	User            common.Address
	Pool            PoolRef
	ConfirmedAmount *big.Int
	LastTxHash      common.Hash
	LastClaimAt     *time.Time
	UpdatedAt       time.Time
}

type Kind uint8

const (
	KindUnknown Kind = iota
	KindStake
	KindUnstake
	KindClaim
)

func (k Kind) String() string {
	switch k {
	case KindStake:
		return "stake"
	case KindUnstake:
		return "unstake"
	case KindClaim:
		return "claim"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "stake":
		return KindStake, nil
	case "unstake":
		return KindUnstake, nil
	case "claim":
		return KindClaim, nil
	default:
		return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

type State uint8

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingConfirmation
	StateConfirmed
	StateChainRejected
	StateReconciling
	StateReconciled
	StateReconciliationFailed
	StateSubmissionFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConfirmed:
		return "confirmed"
	case StateChainRejected:
		return "chain_rejected"
	case StateReconciling:
		return "reconciling"
	case StateReconciled:
		return "reconciled"
	case StateReconciliationFailed:
		return "reconciliation_failed"
	case StateSubmissionFailed:
		return "submission_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateSubmissionFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrInvalidInput, b)
}

// Terminal reports whether no further transitions can happen.
//
// ReconciliationFailed is terminal for the caller only once retries are
// exhausted; the coordinator keeps the receipt for the background sweep.
func (s State) Terminal() bool {
	switch s {
	case StateChainRejected, StateReconciled, StateReconciliationFailed, StateSubmissionFailed:
		return true
	default:
		return false
	}
}

// Operation is a point-in-time snapshot of an in-flight request.
type Operation struct {
	ID     string
	Kind   Kind
	Pool   PoolRef
	User   common.Address
	Amount *big.Int // nil for claim

	State    State
	TimedOut bool
	TxHash   common.Hash

	// Populated once a receipt is known.
	BlockNumber uint64
	TxIndex     uint

	CreatedAt time.Time
	UpdatedAt time.Time

	Err error
}

func (o Operation) Pair() Pair { return Pair{User: o.User, Pool: o.Pool} }

func (o Operation) Clone() Operation {
	if o.Amount != nil {
		o.Amount = new(big.Int).Set(o.Amount)
	}
	return o
}

// CloneAmount returns a copy of v, or nil.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// AmountOrZero returns v, or a new zero when v is nil.
func AmountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
