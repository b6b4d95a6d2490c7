// Package chaintest provides an in-memory reward-pool chain implementing
// chain.Client for tests and local development.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

// MulticallAddress is the sender observed by pools for aggregated calls.
var MulticallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

type poolState struct {
	stakes      map[common.Address]*big.Int
	rewards     map[common.Address]*big.Int
	claimRevert string
}

type simTx struct {
	hash    common.Hash
	spec    chain.CallSpec
	mined   bool
	receipt chain.Receipt
}

// Sim executes pool calls when a transaction is mined. Reads observe the
// latest state regardless of the requested block.
type Sim struct {
	mu sync.Mutex

	pools map[common.Address]*poolState
	txs   map[common.Hash]*simTx
	order []common.Hash

	seq   uint64
	block uint64
	hold  bool

	submits   int
	submitErr func(attempt int, spec chain.CallSpec) error
	readErr   func(call chain.ReadCall) error
	readGate  chan struct{}
	reads     int
}

func NewSim() *Sim {
	return &Sim{
		pools: make(map[common.Address]*poolState),
		txs:   make(map[common.Hash]*simTx),
		block: 100,
	}
}

func (s *Sim) pool(addr common.Address) *poolState {
	p, ok := s.pools[addr]
	if !ok {
		p = &poolState{
			stakes:  make(map[common.Address]*big.Int),
			rewards: make(map[common.Address]*big.Int),
		}
		s.pools[addr] = p
	}
	return p
}

func (s *Sim) SetStake(pool, user common.Address, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool(pool).stakes[user] = new(big.Int).Set(v)
}

func (s *Sim) SetReward(pool, user common.Address, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool(pool).rewards[user] = new(big.Int).Set(v)
}

func (s *Sim) StakeOf(pool, user common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return amount(s.pool(pool).stakes[user])
}

func (s *Sim) RewardOf(pool, user common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return amount(s.pool(pool).rewards[user])
}

// FailClaims makes claim/claimFor on pool revert with reason.
func (s *Sim) FailClaims(pool common.Address, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool(pool).claimRevert = reason
}

// Hold keeps newly submitted transactions pending until Mine is called.
func (s *Sim) Hold(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = on
}

// OnSubmit installs a hook returning an error for a given (1-based) attempt.
func (s *Sim) OnSubmit(fn func(attempt int, spec chain.CallSpec) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = fn
}

// OnRead installs a hook failing individual reads.
func (s *Sim) OnRead(fn func(call chain.ReadCall) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = fn
}

// GateReads blocks every read until the returned release func is called.
func (s *Sim) GateReads() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.readGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.readGate == gate {
				s.readGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Sim) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Sim) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Pending lists submitted, unmined transactions in submission order.
func (s *Sim) Pending() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.Hash
	for _, h := range s.order {
		if !s.txs[h].mined {
			out = append(out, h)
		}
	}
	return out
}

// Sent returns the spec submitted under h.
func (s *Sim) Sent(h common.Hash) (chain.CallSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[h]
	if !ok {
		return chain.CallSpec{}, false
	}
	return tx.spec, true
}

func (s *Sim) Mine(h common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[h]
	if !ok {
		return fmt.Errorf("chaintest: unknown tx %s", h)
	}
	s.mineLocked(tx)
	return nil
}

func (s *Sim) MineAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.order {
		s.mineLocked(s.txs[h])
	}
}

// Drop forgets a pending transaction, as a node does when it is evicted
// from the mempool or replaced.
func (s *Sim) Drop(h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[h]
	if !ok || tx.mined {
		return
	}
	delete(s.txs, h)
	for i, o := range s.order {
		if o == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Sim) Submit(_ context.Context, spec chain.CallSpec) (common.Hash, error) {
	if err := spec.Validate(); err != nil {
		return common.Hash{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits++
	if s.submitErr != nil {
		if err := s.submitErr(s.submits, spec); err != nil {
			return common.Hash{}, err
		}
	}

	s.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq)
	h := crypto.Keccak256Hash([]byte("chaintest/tx"), seq[:])

	tx := &simTx{hash: h, spec: spec}
	s.txs[h] = tx
	s.order = append(s.order, h)
	if !s.hold {
		s.mineLocked(tx)
	}
	return h, nil
}

func (s *Sim) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (chain.Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		tx, ok := s.txs[txHash]
		var (
			mined bool
			r     chain.Receipt
		)
		if ok {
			mined, r = tx.mined, tx.receipt
		}
		s.mu.Unlock()

		if mined {
			return r, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		}
		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Sim) TransactionKnown(_ context.Context, txHash common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txs[txHash]
	return ok, nil
}

func (s *Sim) Read(ctx context.Context, call chain.ReadCall) ([]byte, error) {
	s.mu.Lock()
	gate := s.readGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		if err := s.readErr(call); err != nil {
			return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
		}
	}
	return s.viewLocked(call)
}

func (s *Sim) BatchRead(ctx context.Context, calls []chain.ReadCall) ([]chain.ReadResult, error) {
	out := make([]chain.ReadResult, len(calls))
	for i, c := range calls {
		data, err := s.Read(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out[i] = chain.ReadResult{Err: err}
			continue
		}
		out[i] = chain.ReadResult{Success: true, Data: data}
	}
	return out, nil
}

var (
	selStake        = mustSelector(poolabi.PackStake())
	selUnstake      = mustSelector(poolabi.PackUnstake(big.NewInt(1)))
	selClaim        = mustSelector(poolabi.PackClaim())
	selClaimFor     = mustSelector(poolabi.PackClaimFor(common.Address{1}))
	selPending      = mustSelector(poolabi.PackPendingReward(common.Address{}))
	selStakeOf      = mustSelector(poolabi.PackStakeOf(common.Address{}))
	selTotalStaked  = mustSelector(poolabi.PackTotalStaked())
	errUnknownCall  = errors.New("unknown selector")
	errShortPayload = errors.New("short calldata")
)

func mustSelector(b []byte, err error) [4]byte {
	if err != nil {
		panic(err)
	}
	var sel [4]byte
	copy(sel[:], b[:4])
	return sel
}

func selectorOf(data []byte) ([4]byte, error) {
	var sel [4]byte
	if len(data) < 4 {
		return sel, errShortPayload
	}
	copy(sel[:], data[:4])
	return sel, nil
}

func word(data []byte) ([]byte, error) {
	if len(data) < 36 {
		return nil, errShortPayload
	}
	return data[4:36], nil
}

func (s *Sim) viewLocked(call chain.ReadCall) ([]byte, error) {
	sel, err := selectorOf(call.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
	}
	p := s.pool(call.Target)
	switch sel {
	case selPending, selStakeOf:
		w, err := word(call.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, err)
		}
		user := common.BytesToAddress(w)
		if sel == selPending {
			return common.LeftPadBytes(amount(p.rewards[user]).Bytes(), 32), nil
		}
		return common.LeftPadBytes(amount(p.stakes[user]).Bytes(), 32), nil
	case selTotalStaked:
		total := new(big.Int)
		for _, v := range p.stakes {
			total.Add(total, v)
		}
		return common.LeftPadBytes(total.Bytes(), 32), nil
	default:
		return nil, fmt.Errorf("%w: %w", chain.ErrReadFailed, errUnknownCall)
	}
}

// mineLocked executes the transaction. A failing call without AllowFailure
// reverts the whole transaction.
func (s *Sim) mineLocked(tx *simTx) {
	if tx.mined {
		return
	}
	s.block++
	tx.mined = true
	tx.receipt = chain.Receipt{TxHash: tx.hash, BlockNumber: s.block, Calls: make([]chain.CallOutcome, len(tx.spec.Calls))}

	// Rolled back on revert.
	snapshot := s.snapshotLocked()
	aggregate := len(tx.spec.Calls) > 1
	for i, call := range tx.spec.Calls {
		tx.receipt.Calls[i].Target = call.Target
		sender := tx.spec.From
		if aggregate {
			sender = MulticallAddress
		}
		if reason := s.execLocked(sender, call); reason != "" {
			if !aggregate || !call.AllowFailure {
				s.pools = snapshot
				tx.receipt.Success = false
				tx.receipt.RevertReason = reason
				for j := range tx.receipt.Calls {
					tx.receipt.Calls[j].Target = tx.spec.Calls[j].Target
					tx.receipt.Calls[j].Success = false
				}
				return
			}
			continue
		}
		tx.receipt.Calls[i].Success = true
	}
	tx.receipt.Success = true
}

func (s *Sim) execLocked(sender common.Address, call chain.Call) string {
	sel, err := selectorOf(call.Data)
	if err != nil {
		return err.Error()
	}
	p := s.pool(call.Target)
	value := amount(call.Value)

	switch sel {
	case selStake:
		if value.Sign() <= 0 {
			return "zero stake"
		}
		p.stakes[sender] = new(big.Int).Add(amount(p.stakes[sender]), value)
		return ""
	case selUnstake:
		w, err := word(call.Data)
		if err != nil {
			return err.Error()
		}
		amt := new(big.Int).SetBytes(w)
		cur := amount(p.stakes[sender])
		if amt.Sign() <= 0 || amt.Cmp(cur) > 0 {
			return "insufficient stake"
		}
		p.stakes[sender] = new(big.Int).Sub(cur, amt)
		p.rewards[sender] = new(big.Int)
		return ""
	case selClaim, selClaimFor:
		user := sender
		if sel == selClaimFor {
			w, err := word(call.Data)
			if err != nil {
				return err.Error()
			}
			user = common.BytesToAddress(w)
		}
		if p.claimRevert != "" {
			return p.claimRevert
		}
		if amount(p.rewards[user]).Sign() == 0 {
			return "nothing to claim"
		}
		p.rewards[user] = new(big.Int)
		return ""
	default:
		return errUnknownCall.Error()
	}
}

func (s *Sim) snapshotLocked() map[common.Address]*poolState {
	out := make(map[common.Address]*poolState, len(s.pools))
	for addr, p := range s.pools {
		cp := &poolState{
			stakes:      make(map[common.Address]*big.Int, len(p.stakes)),
			rewards:     make(map[common.Address]*big.Int, len(p.rewards)),
			claimRevert: p.claimRevert,
		}
		for k, v := range p.stakes {
			cp.stakes[k] = new(big.Int).Set(v)
		}
		for k, v := range p.rewards {
			cp.rewards[k] = new(big.Int).Set(v)
		}
		out[addr] = cp
	}
	return out
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var _ chain.Client = (*Sim)(nil)
