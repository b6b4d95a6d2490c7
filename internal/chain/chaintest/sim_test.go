package chaintest

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolA = common.HexToAddress("0x000000000000000000000000000000000000a001")
	poolB = common.HexToAddress("0x000000000000000000000000000000000000b002")
)

func mustPack(t *testing.T) func(b []byte, err error) []byte {
	return func(b []byte, err error) []byte {
		t.Helper()
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		return b
	}
}

func TestSim_StakeUnstakeAndRevert(t *testing.T) {
	t.Parallel()

	s := NewSim()
	ctx := context.Background()

	h, err := s.Submit(ctx, chain.CallSpec{From: user, Calls: []chain.Call{{Target: poolA, Data: mustPack(t)(poolabi.PackStake()), Value: big.NewInt(100)}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r, err := s.WaitForReceipt(ctx, h, time.Second)
	if err != nil || !r.Success {
		t.Fatalf("stake receipt: %+v err=%v", r, err)
	}
	if got := s.StakeOf(poolA, user); got.Int64() != 100 {
		t.Fatalf("stake: got %s want 100", got)
	}

	h, err = s.Submit(ctx, chain.CallSpec{From: user, Calls: []chain.Call{{Target: poolA, Data: mustPack(t)(poolabi.PackUnstake(big.NewInt(150)))}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r, _ = s.WaitForReceipt(ctx, h, time.Second)
	if r.Success || r.RevertReason != "insufficient stake" {
		t.Fatalf("unstake receipt: %+v", r)
	}
	if got := s.StakeOf(poolA, user); got.Int64() != 100 {
		t.Fatalf("stake after revert: got %s want 100", got)
	}
}

func TestSim_AggregateAllowFailure(t *testing.T) {
	t.Parallel()

	s := NewSim()
	ctx := context.Background()
	s.SetReward(poolA, user, big.NewInt(5))
	s.FailClaims(poolB, "paused")
	s.SetReward(poolB, user, big.NewInt(7))

	cd := mustPack(t)(poolabi.PackClaimFor(user))
	h, err := s.Submit(ctx, chain.CallSpec{From: user, Calls: []chain.Call{
		{Target: poolA, Data: cd, AllowFailure: true},
		{Target: poolB, Data: cd, AllowFailure: true},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r, err := s.WaitForReceipt(ctx, h, time.Second)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if !r.Success || !r.Calls[0].Success || r.Calls[1].Success {
		t.Fatalf("receipt: %+v", r)
	}
	if s.RewardOf(poolA, user).Sign() != 0 || s.RewardOf(poolB, user).Int64() != 7 {
		t.Fatalf("rewards after claim: a=%s b=%s", s.RewardOf(poolA, user), s.RewardOf(poolB, user))
	}
}

func TestSim_HoldAndTimeout(t *testing.T) {
	t.Parallel()

	s := NewSim()
	ctx := context.Background()
	s.Hold(true)
	s.SetReward(poolA, user, big.NewInt(1))

	h, err := s.Submit(ctx, chain.CallSpec{From: user, Calls: []chain.Call{{Target: poolA, Data: mustPack(t)(poolabi.PackClaim())}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.WaitForReceipt(ctx, h, 5*time.Millisecond); !errors.Is(err, chain.ErrReceiptTimeout) {
		t.Fatalf("expected ErrReceiptTimeout, got %v", err)
	}
	if len(s.Pending()) != 1 {
		t.Fatalf("pending: got %d want 1", len(s.Pending()))
	}
	if err := s.Mine(h); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if r, err := s.WaitForReceipt(ctx, h, 0); err != nil || !r.Success {
		t.Fatalf("after mine: %+v err=%v", r, err)
	}
}

func TestSim_DropForgetsPendingTransaction(t *testing.T) {
	t.Parallel()

	s := NewSim()
	ctx := context.Background()
	s.Hold(true)
	s.SetReward(poolA, user, big.NewInt(1))

	h, err := s.Submit(ctx, chain.CallSpec{From: user, Calls: []chain.Call{{Target: poolA, Data: mustPack(t)(poolabi.PackClaim())}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if known, _ := s.TransactionKnown(ctx, h); !known {
		t.Fatalf("pending tx must be known")
	}
	s.Drop(h)
	if known, _ := s.TransactionKnown(ctx, h); known {
		t.Fatalf("dropped tx still known")
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("pending after drop: %d", len(s.Pending()))
	}
	s.MineAll()
	if got := s.RewardOf(poolA, user); got.Int64() != 1 {
		t.Fatalf("dropped tx executed: reward %s", got)
	}
}

func TestSim_Reads(t *testing.T) {
	t.Parallel()

	s := NewSim()
	ctx := context.Background()
	s.SetStake(poolA, user, big.NewInt(40))
	s.SetReward(poolA, user, big.NewInt(3))
	s.OnRead(func(c chain.ReadCall) error {
		if c.Target == poolB {
			return errors.New("rpc down")
		}
		return nil
	})

	res, err := s.BatchRead(ctx, []chain.ReadCall{
		{Target: poolA, Data: mustPack(t)(poolabi.PackStakeOf(user))},
		{Target: poolA, Data: mustPack(t)(poolabi.PackPendingReward(user))},
		{Target: poolB, Data: mustPack(t)(poolabi.PackPendingReward(user))},
	})
	if err != nil {
		t.Fatalf("BatchRead: %v", err)
	}
	stake, _ := poolabi.UnpackStakeOf(res[0].Data)
	reward, _ := poolabi.UnpackPendingReward(res[1].Data)
	if stake.Int64() != 40 || reward.Int64() != 3 {
		t.Fatalf("reads: stake=%v reward=%v", stake, reward)
	}
	if res[2].Success || !errors.Is(res[2].Err, chain.ErrReadFailed) {
		t.Fatalf("poolB read: %+v", res[2])
	}
}
