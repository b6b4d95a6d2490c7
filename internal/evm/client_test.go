package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip  *big.Int
	baseFee     *big.Int
	gasEst      uint64
	estimateErr error

	sent     []*types.Transaction
	sendHook func(tx *types.Transaction) error

	receipts     map[common.Hash]*types.Receipt
	receiptCalls int

	callHook func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     50_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() == h {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	hook := b.callHook
	b.mu.Unlock()
	if hook == nil {
		return nil, errors.New("no call hook")
	}
	return hook(msg, block)
}

func (b *fakeBackend) lastSent(t *testing.T) *types.Transaction {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		t.Fatalf("no transaction sent")
	}
	return b.sent[len(b.sent)-1]
}

func (b *fakeBackend) mine(h common.Hash, status uint64, logs ...*types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[h] = &types.Receipt{
		TxHash:           h,
		Status:           status,
		BlockNumber:      big.NewInt(42),
		TransactionIndex: 3,
		Logs:             logs,
	}
}

// revertDataError mimics the JSON-RPC error returned for reverted eth_calls.
type revertDataError struct {
	data string
}

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorCode() int         { return 3 }
func (e revertDataError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	strTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("NewType: %v", err)
	}
	payload, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return hexutil.Encode(append(crypto.Keccak256([]byte("Error(string)"))[:4], payload...))
}

var (
	testMulticall = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	testPoolA     = common.HexToAddress("0x000000000000000000000000000000000000a001")
	testPoolB     = common.HexToAddress("0x000000000000000000000000000000000000b002")
)

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, common.Address, *fakeClock) {
	t.Helper()

	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	signer := NewLocalSigner(key)
	clock := &fakeClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}

	c, err := New(backend, []Signer{signer}, Config{
		ChainID:             big.NewInt(8453),
		Multicall:           testMulticall,
		GasLimitMultiplier:  1.2,
		MinTipCap:           big.NewInt(1),
		ReceiptPollInterval: 5 * time.Second,
		Now:                 clock.Now,
		Sleep:               clock.Sleep,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, signer.Address(), clock
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil, Config{ChainID: big.NewInt(1)}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil backend: got %v", err)
	}
	if _, err := New(newFakeBackend(), nil, Config{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing chain id: got %v", err)
	}
	key, _ := crypto.HexToECDSA(testKeyHex)
	s := NewLocalSigner(key)
	if _, err := New(newFakeBackend(), []Signer{s, s}, Config{ChainID: big.NewInt(1)}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate signer: got %v", err)
	}
}

func TestClient_Submit_SingleCall(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.pendingNonce = 7
	c, from, _ := newTestClient(t, backend)

	data, err := poolabi.PackStake()
	if err != nil {
		t.Fatalf("PackStake: %v", err)
	}
	h, err := c.Submit(context.Background(), chain.CallSpec{
		From:  from,
		Calls: []chain.Call{{Target: testPoolA, Data: data, Value: big.NewInt(100)}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tx := backend.lastSent(t)
	if tx.Hash() != h {
		t.Fatalf("hash: got %s want %s", h, tx.Hash())
	}
	if *tx.To() != testPoolA {
		t.Fatalf("to: got %s want %s", tx.To(), testPoolA)
	}
	if tx.Value().Int64() != 100 {
		t.Fatalf("value: got %s want 100", tx.Value())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce: got %d want 7", tx.Nonce())
	}
	if tx.Gas() != 60_000 {
		t.Fatalf("gas: got %d want 60000", tx.Gas())
	}
	if tx.GasTipCap().Int64() != 2 || tx.GasFeeCap().Int64() != 202 {
		t.Fatalf("fees: tip=%s fee=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil || sender != from {
		t.Fatalf("sender: got %s err=%v want %s", sender, err, from)
	}
}

func TestClient_Submit_AggregateUsesMulticall(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, from, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), chain.CallSpec{
		From: from,
		Calls: []chain.Call{
			{Target: testPoolA, Data: []byte{0x01}, AllowFailure: true},
			{Target: testPoolB, Data: []byte{0x02}, AllowFailure: true, Value: big.NewInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tx := backend.lastSent(t)
	if *tx.To() != testMulticall {
		t.Fatalf("to: got %s want multicall", tx.To())
	}
	if tx.Value().Int64() != 3 {
		t.Fatalf("value: got %s want 3", tx.Value())
	}
	calls, err := poolabi.UnpackAggregate3ValueInput(tx.Data())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 2 || calls[0].Target != testPoolA || calls[1].Target != testPoolB || !calls[0].AllowFailure {
		t.Fatalf("calls: %+v", calls)
	}
}

func TestClient_Submit_RejectsDeterministicFailures(t *testing.T) {
	t.Parallel()

	t.Run("unknown signer", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend()
		c, _, _ := newTestClient(t, backend)
		_, err := c.Submit(context.Background(), chain.CallSpec{
			From:  common.HexToAddress("0x0000000000000000000000000000000000000bad"),
			Calls: []chain.Call{{Target: testPoolA}},
		})
		if !errors.Is(err, chain.ErrSubmitRejected) || !errors.Is(err, ErrUnknownSigner) {
			t.Fatalf("expected ErrSubmitRejected+ErrUnknownSigner, got %v", err)
		}
	})

	t.Run("estimate reverts", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend()
		backend.estimateErr = revertDataError{data: encodeRevert(t, "insufficient stake")}
		c, from, _ := newTestClient(t, backend)
		_, err := c.Submit(context.Background(), chain.CallSpec{From: from, Calls: []chain.Call{{Target: testPoolA}}})
		if !errors.Is(err, chain.ErrSubmitRejected) {
			t.Fatalf("expected ErrSubmitRejected, got %v", err)
		}
		if !strings.Contains(err.Error(), "insufficient stake") {
			t.Fatalf("expected revert reason in error, got %v", err)
		}
		if len(backend.sent) != 0 {
			t.Fatalf("sent %d txs, want 0", len(backend.sent))
		}
	})

	t.Run("aggregate without multicall", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend()
		key, _ := crypto.HexToECDSA(testKeyHex)
		s := NewLocalSigner(key)
		c, err := New(backend, []Signer{s}, Config{ChainID: big.NewInt(8453)}, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		_, err = c.Submit(context.Background(), chain.CallSpec{
			From:  s.Address(),
			Calls: []chain.Call{{Target: testPoolA}, {Target: testPoolB}},
		})
		if !errors.Is(err, chain.ErrSubmitRejected) {
			t.Fatalf("expected ErrSubmitRejected, got %v", err)
		}
	})
}

func TestClient_Submit_SendFailureRefetchesNonce(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.pendingNonce = 4
	fail := true
	backend.sendHook = func(*types.Transaction) error {
		if fail {
			fail = false
			return errors.New("connection reset")
		}
		return nil
	}
	c, from, _ := newTestClient(t, backend)
	spec := chain.CallSpec{From: from, Calls: []chain.Call{{Target: testPoolA}}}

	if _, err := c.Submit(context.Background(), spec); err == nil {
		t.Fatalf("expected send error")
	}
	if _, err := c.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit #2: %v", err)
	}

	if backend.nonceCalls != 2 {
		t.Fatalf("PendingNonceAt calls: got %d want 2", backend.nonceCalls)
	}
	if got := backend.lastSent(t).Nonce(); got != 4 {
		t.Fatalf("nonce reused: got %d want 4", got)
	}
}

func TestClient_WaitForReceipt_Timeout(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, _, clock := newTestClient(t, backend)
	start := clock.Now()

	_, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x01"), 30*time.Second)
	if !errors.Is(err, chain.ErrReceiptTimeout) {
		t.Fatalf("expected ErrReceiptTimeout, got %v", err)
	}
	if elapsed := clock.Now().Sub(start); elapsed < 30*time.Second {
		t.Fatalf("returned before timeout: %s", elapsed)
	}

	backend.receiptCalls = 0
	if _, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x01"), 0); !errors.Is(err, chain.ErrReceiptTimeout) {
		t.Fatalf("single check: expected ErrReceiptTimeout, got %v", err)
	}
	if backend.receiptCalls != 1 {
		t.Fatalf("single check receipt calls: got %d want 1", backend.receiptCalls)
	}
}

func TestClient_TransactionKnown(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, from, _ := newTestClient(t, backend)
	data, err := poolabi.PackClaim()
	if err != nil {
		t.Fatalf("PackClaim: %v", err)
	}
	h, err := c.Submit(context.Background(), chain.CallSpec{From: from, Calls: []chain.Call{{Target: testPoolA, Data: data}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	known, err := c.TransactionKnown(context.Background(), h)
	if err != nil || !known {
		t.Fatalf("submitted tx: known=%v err=%v", known, err)
	}
	known, err = c.TransactionKnown(context.Background(), common.HexToHash("0xdead"))
	if err != nil || known {
		t.Fatalf("unknown tx: known=%v err=%v", known, err)
	}
}

func TestClient_WaitForReceipt_AggregateOutcomesFromLogs(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, from, _ := newTestClient(t, backend)
	topic := poolabi.RewardClaimedTopic()

	h, err := c.Submit(context.Background(), chain.CallSpec{
		From: from,
		Calls: []chain.Call{
			{Target: testPoolA, AllowFailure: true, SuccessEvent: topic},
			{Target: testPoolB, AllowFailure: true, SuccessEvent: topic},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	backend.mine(h, types.ReceiptStatusSuccessful,
		&types.Log{Address: testPoolA, Topics: []common.Hash{topic}},
		&types.Log{Address: testPoolB, Topics: []common.Hash{common.HexToHash("0xdead")}},
	)

	r, err := c.WaitForReceipt(context.Background(), h, time.Minute)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if !r.Success || r.BlockNumber != 42 || r.TxIndex != 3 {
		t.Fatalf("receipt: %+v", r)
	}
	if len(r.Calls) != 2 {
		t.Fatalf("calls: got %d want 2", len(r.Calls))
	}
	if !r.Calls[0].Success || r.Calls[0].Target != testPoolA {
		t.Fatalf("call[0]: %+v", r.Calls[0])
	}
	if r.Calls[1].Success {
		t.Fatalf("call[1] should have failed: %+v", r.Calls[1])
	}
}

func TestClient_WaitForReceipt_RevertReason(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c, from, _ := newTestClient(t, backend)

	var replayBlock *big.Int
	backend.callHook = func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		replayBlock = block
		if msg.From != from {
			t.Errorf("replay from: got %s want %s", msg.From, from)
		}
		return nil, revertDataError{data: encodeRevert(t, "cooldown active")}
	}

	h, err := c.Submit(context.Background(), chain.CallSpec{From: from, Calls: []chain.Call{{Target: testPoolA}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	backend.mine(h, types.ReceiptStatusFailed)

	r, err := c.WaitForReceipt(context.Background(), h, time.Minute)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if r.Success {
		t.Fatalf("expected failed receipt")
	}
	if r.RevertReason != "cooldown active" {
		t.Fatalf("reason: got %q", r.RevertReason)
	}
	if len(r.Calls) != 1 || r.Calls[0].Success {
		t.Fatalf("calls: %+v", r.Calls)
	}
	if replayBlock == nil || replayBlock.Int64() != 41 {
		t.Fatalf("replay block: got %v want 41", replayBlock)
	}
}

func TestRevertReason_FallsBackToMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: errors.New("execution reverted: not owner"), want: "not owner"},
		{err: errors.New("execution reverted"), want: "execution reverted"},
		{err: errors.New("out of gas"), want: "out of gas"},
	}
	for _, tc := range cases {
		if got := revertReason(tc.err); got != tc.want {
			t.Fatalf("revertReason(%q) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
