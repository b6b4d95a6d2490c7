// Package evm implements chain.Client over a go-ethereum RPC backend.
package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/poolabi"
)

var (
	ErrInvalidConfig = errors.New("evm: invalid config")
	ErrUnknownSigner = errors.New("evm: unknown signer")
)

// Backend is the subset of *ethclient.Client the engine uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	ChainID *big.Int

	// Multicall is the Multicall3 deployment used for aggregated
	// transactions and batch reads. Zero disables aggregation.
	Multicall common.Address

	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	// ReadConcurrency bounds parallel eth_calls when BatchRead cannot use Multicall.
	ReadConcurrency int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	signers map[common.Address]Signer
	nonces  map[common.Address]*NonceManager

	mu        sync.Mutex
	submitted map[common.Hash][]chain.Call
}

func New(backend Backend, signers []Signer, cfg Config, log *slog.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = new(big.Int)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
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

	c := &Client{
		backend:   backend,
		cfg:       cfg,
		log:       log,
		signers:   make(map[common.Address]Signer, len(signers)),
		nonces:    make(map[common.Address]*NonceManager, len(signers)),
		submitted: make(map[common.Hash][]chain.Call),
	}
	for _, s := range signers {
		if s == nil {
			return nil, fmt.Errorf("%w: nil signer", ErrInvalidConfig)
		}
		addr := s.Address()
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("%w: signer with zero address", ErrInvalidConfig)
		}
		if _, ok := c.signers[addr]; ok {
			return nil, fmt.Errorf("%w: duplicate signer address %s", ErrInvalidConfig, addr)
		}
		c.signers[addr] = s
		c.nonces[addr] = NewNonceManager(backend, addr)
	}
	return c, nil
}

// HasSigner reports whether Submit can sign for addr.
func (c *Client) HasSigner(addr common.Address) bool {
	_, ok := c.signers[addr]
	return ok
}

func (c *Client) Submit(ctx context.Context, spec chain.CallSpec) (common.Hash, error) {
	if err := spec.Validate(); err != nil {
		return common.Hash{}, err
	}
	s, ok := c.signers[spec.From]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %w: %s", chain.ErrSubmitRejected, ErrUnknownSigner, spec.From)
	}
	nm := c.nonces[spec.From]

	to, data, value, err := c.encode(spec)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit := spec.GasLimit
	if gasLimit == 0 {
		est, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  spec.From,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			if isRevert(err) {
				return common.Hash{}, fmt.Errorf("%w: estimate gas reverted: %s", chain.ErrSubmitRejected, revertReason(err))
			}
			return common.Hash{}, fmt.Errorf("evm: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, c.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: suggest tip: %w", err)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("evm: missing baseFee in latest header")
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, c.cfg.MinTipCap)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := nm.Next(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pending nonce: %w", err)
	}

	signed, err := s.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	}), c.cfg.ChainID)
	if err != nil {
		nm.Reset()
		return common.Hash{}, fmt.Errorf("%w: sign: %w", chain.ErrSubmitRejected, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		nm.Reset()
		return common.Hash{}, fmt.Errorf("evm: send transaction: %w", err)
	}

	h := signed.Hash()
	c.mu.Lock()
	c.submitted[h] = append([]chain.Call(nil), spec.Calls...)
	c.mu.Unlock()

	c.log.Info("submitted transaction", "txHash", h, "from", spec.From, "nonce", nonce, "calls", len(spec.Calls), "gas", gasLimit)
	return h, nil
}

func (c *Client) encode(spec chain.CallSpec) (common.Address, []byte, *big.Int, error) {
	if len(spec.Calls) == 1 {
		call := spec.Calls[0]
		return call.Target, call.Data, spec.TotalValue(), nil
	}
	if c.cfg.Multicall == (common.Address{}) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: aggregate call without multicall address", chain.ErrSubmitRejected)
	}
	calls := make([]poolabi.Call3Value, 0, len(spec.Calls))
	for _, call := range spec.Calls {
		calls = append(calls, poolabi.Call3Value{
			Target:       call.Target,
			AllowFailure: call.AllowFailure,
			Value:        call.Value,
			CallData:     call.Data,
		})
	}
	data, err := poolabi.PackAggregate3Value(calls)
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %w", chain.ErrSubmitRejected, err)
	}
	return c.cfg.Multicall, data, spec.TotalValue(), nil
}

func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (chain.Receipt, error) {
	deadline := c.cfg.Now().Add(timeout)
	for {
		r, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && r != nil {
			return c.buildReceipt(ctx, txHash, r), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return chain.Receipt{}, fmt.Errorf("evm: receipt %s: %w", txHash, err)
		}
		if timeout <= 0 || !c.cfg.Now().Before(deadline) {
			return chain.Receipt{}, chain.ErrReceiptTimeout
		}
		if err := c.cfg.Sleep(ctx, c.cfg.ReceiptPollInterval); err != nil {
			return chain.Receipt{}, err
		}
	}
}

func (c *Client) TransactionKnown(ctx context.Context, txHash common.Hash) (bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, txHash)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ethereum.NotFound):
		c.mu.Lock()
		delete(c.submitted, txHash)
		c.mu.Unlock()
		return false, nil
	default:
		return false, fmt.Errorf("evm: transaction %s: %w", txHash, err)
	}
}

func (c *Client) buildReceipt(ctx context.Context, txHash common.Hash, r *types.Receipt) chain.Receipt {
	out := chain.Receipt{
		TxHash:  txHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		TxIndex: r.TransactionIndex,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}

	c.mu.Lock()
	calls, known := c.submitted[txHash]
	delete(c.submitted, txHash)
	c.mu.Unlock()

	var tx *types.Transaction
	if !known || !out.Success {
		t, _, err := c.backend.TransactionByHash(ctx, txHash)
		if err != nil {
			c.log.Warn("fetch transaction for receipt", "txHash", txHash, "err", err)
		} else {
			tx = t
		}
	}
	if !known && tx != nil {
		calls = c.recoverCalls(tx)
	}
	out.Calls = callOutcomes(calls, r)

	if !out.Success && tx != nil {
		out.RevertReason = c.replayRevert(ctx, tx, r.BlockNumber)
	}
	return out
}

// recoverCalls rebuilds call targets for a transaction this process did not
// submit. Success events are unknown, so any log from the target counts.
func (c *Client) recoverCalls(tx *types.Transaction) []chain.Call {
	if tx.To() == nil {
		return nil
	}
	if c.cfg.Multicall != (common.Address{}) && *tx.To() == c.cfg.Multicall {
		decoded, err := poolabi.UnpackAggregate3ValueInput(tx.Data())
		if err != nil {
			return nil
		}
		calls := make([]chain.Call, 0, len(decoded))
		for _, d := range decoded {
			calls = append(calls, chain.Call{Target: d.Target, Data: d.CallData, Value: d.Value, AllowFailure: d.AllowFailure})
		}
		return calls
	}
	return []chain.Call{{Target: *tx.To(), Data: tx.Data(), Value: tx.Value()}}
}

// callOutcomes assigns each call at most one matching log, in log order.
func callOutcomes(calls []chain.Call, r *types.Receipt) []chain.CallOutcome {
	if len(calls) == 0 {
		return nil
	}
	out := make([]chain.CallOutcome, len(calls))
	success := r.Status == types.ReceiptStatusSuccessful
	for i, call := range calls {
		out[i].Target = call.Target
	}
	if !success {
		return out
	}
	if len(calls) == 1 {
		out[0].Success = true
		return out
	}

	used := make([]bool, len(r.Logs))
	for i, call := range calls {
		for j, lg := range r.Logs {
			if used[j] || lg == nil || lg.Address != call.Target {
				continue
			}
			if call.SuccessEvent != (common.Hash{}) && (len(lg.Topics) == 0 || lg.Topics[0] != call.SuccessEvent) {
				continue
			}
			used[j] = true
			out[i].Success = true
			break
		}
	}
	return out
}

func (c *Client) replayRevert(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	from, err := types.Sender(types.LatestSignerForChainID(c.cfg.ChainID), tx)
	if err != nil {
		return ""
	}
	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, at)
	if err == nil {
		return ""
	}
	return revertReason(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

var _ chain.Client = (*Client)(nil)
