package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/chain"
)

func packAggregate3Result(t *testing.T, results []struct {
	Success    bool
	ReturnData []byte
}) []byte {
	t.Helper()
	ty, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "success", Type: "bool"},
		{Name: "returnData", Type: "bytes"},
	})
	if err != nil {
		t.Fatalf("NewType: %v", err)
	}
	b, err := abi.Arguments{{Type: ty}}.Pack(results)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return b
}

func TestClient_BatchRead_Multicall(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, _, _ := newTestClient(t, backend)

	calls := 0
	backend.callHook = func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		calls++
		if msg.To == nil || *msg.To != testMulticall {
			t.Errorf("expected multicall target, got %v", msg.To)
		}
		return packAggregate3Result(t, []struct {
			Success    bool
			ReturnData []byte
		}{
			{Success: true, ReturnData: common.LeftPadBytes([]byte{0x05}, 32)},
			{Success: false, ReturnData: nil},
		}), nil
	}

	out, err := c.BatchRead(context.Background(), []chain.ReadCall{
		{Target: testPoolA, Data: []byte{0x01}},
		{Target: testPoolB, Data: []byte{0x02}},
	})
	if err != nil {
		t.Fatalf("BatchRead: %v", err)
	}
	if calls != 1 {
		t.Fatalf("eth_call count: got %d want 1", calls)
	}
	if len(out) != 2 || !out[0].Success || new(big.Int).SetBytes(out[0].Data).Int64() != 5 {
		t.Fatalf("result[0]: %+v", out)
	}
	if out[1].Success || !errors.Is(out[1].Err, chain.ErrReadFailed) {
		t.Fatalf("result[1]: %+v", out[1])
	}
}

func TestClient_BatchRead_ParallelWhenBlocksDiffer(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, _, _ := newTestClient(t, backend)

	backend.callHook = func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		if *msg.To == testPoolB {
			return nil, errors.New("execution reverted")
		}
		return []byte{0x09}, nil
	}

	out, err := c.BatchRead(context.Background(), []chain.ReadCall{
		{Target: testPoolA, BlockNumber: big.NewInt(10)},
		{Target: testPoolB},
	})
	if err != nil {
		t.Fatalf("BatchRead: %v", err)
	}
	if !out[0].Success || out[0].Data[0] != 0x09 {
		t.Fatalf("result[0]: %+v", out[0])
	}
	if out[1].Success || !errors.Is(out[1].Err, chain.ErrReadFailed) {
		t.Fatalf("result[1]: %+v", out[1])
	}
}

func TestClient_Read_WrapsErrors(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, _, _ := newTestClient(t, backend)
	backend.callHook = func(ethereum.CallMsg, *big.Int) ([]byte, error) {
		return nil, errors.New("boom")
	}

	if _, err := c.Read(context.Background(), chain.ReadCall{Target: testPoolA}); !errors.Is(err, chain.ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
	if _, err := c.Read(context.Background(), chain.ReadCall{}); !errors.Is(err, chain.ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}
