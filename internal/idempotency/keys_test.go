package idempotency

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rewardpools/stake-engine/internal/staking"
)

func TestTxKeyV1_MatchesKeccakLayout(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	want := crypto.Keccak256Hash([]byte("stake-engine/tx/v1"), txHash[:])
	if got := TxKeyV1(txHash); got != Key(want) {
		t.Fatalf("TxKeyV1: got %s want %s", got, want.Hex())
	}
	if TxKeyV1(txHash) != TxKeyV1(txHash) {
		t.Fatalf("TxKeyV1 not deterministic")
	}
}

func TestPoolClaimKeyV1_DistinctPerPoolAndChain(t *testing.T) {
	t.Parallel()

	txHash := common.HexToHash("0x77")
	p1 := staking.PoolRef{ChainID: 8453, Address: common.HexToAddress("0x0000000000000000000000000000000000000001")}
	p2 := staking.PoolRef{ChainID: 8453, Address: common.HexToAddress("0x0000000000000000000000000000000000000002")}
	p1OtherChain := staking.PoolRef{ChainID: 1, Address: p1.Address}

	k1 := PoolClaimKeyV1(txHash, p1)
	k2 := PoolClaimKeyV1(txHash, p2)
	k3 := PoolClaimKeyV1(txHash, p1OtherChain)

	if k1 == k2 || k1 == k3 || k2 == k3 {
		t.Fatalf("expected distinct keys, got %s %s %s", k1, k2, k3)
	}
	if k1 == TxKeyV1(txHash) {
		t.Fatalf("pool claim key must not collide with tx key")
	}

	chain := []byte{0, 0, 0, 0, 0, 0, 0x21, 0x05}
	want := crypto.Keccak256Hash([]byte("stake-engine/pool-claim/v1"), txHash[:], chain, p1.Address[:])
	if k1 != Key(want) {
		t.Fatalf("PoolClaimKeyV1 layout: got %s want %s", k1, want.Hex())
	}
}
