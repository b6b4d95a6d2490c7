// Package httpapi exposes operation submission, batch claims and views over
// HTTP. The caller's address comes from the X-User-Address header set by the
// upstream auth gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rewardpools/stake-engine/internal/batchclaim"
	"github.com/rewardpools/stake-engine/internal/coordinator"
	"github.com/rewardpools/stake-engine/internal/readmodel"
	"github.com/rewardpools/stake-engine/internal/staking"
)

const userHeader = "X-User-Address"

type Operations interface {
	Submit(ctx context.Context, req coordinator.Request) (*coordinator.Handle, error)
	Get(id string) (*coordinator.Handle, error)
}

type Claimer interface {
	ClaimAll(ctx context.Context, user common.Address) (batchclaim.Result, error)
}

type Viewer interface {
	GetView(ctx context.Context, user common.Address, pool staking.PoolRef) (readmodel.View, error)
	Refresh(ctx context.Context, user common.Address, pool staking.PoolRef) (readmodel.View, error)
}

type Config struct {
	ChainID uint64

	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// MaxWaitSeconds bounds how long a request may wait for an operation or
	// batch to settle. Defaults to 120s.
	MaxWaitSeconds int

	// TokenDecimals is used for display amounts. Defaults to 18.
	TokenDecimals int32

	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
}

type handler struct {
	cfg     Config
	ops     Operations
	claimer Claimer
	viewer  Viewer
}

func NewHandler(ops Operations, claimer Claimer, viewer Viewer, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = 120
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = 18
	}
	h := &handler{cfg: cfg, ops: ops, claimer: claimer, viewer: viewer}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("POST /v1/operations", h.authed(h.submitOperation))
	mux.HandleFunc("GET /v1/operations/{id}", h.authed(h.getOperation))
	mux.HandleFunc("POST /v1/claim-all", h.authed(h.claimAll))
	mux.HandleFunc("GET /v1/view", h.authed(h.getView))
	return mux
}

// authed checks the bearer token and resolves the caller address.
func (h *handler) authed(next func(http.ResponseWriter, *http.Request, common.Address)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		raw := strings.TrimSpace(r.Header.Get(userHeader))
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_user"})
			return
		}
		user := common.HexToAddress(raw)
		if user == (common.Address{}) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_user"})
			return
		}
		next(w, r, user)
	}
}

func (h *handler) submitOperation(w http.ResponseWriter, r *http.Request, user common.Address) {
	var req operationRequest
	if !h.decode(w, r, &req) {
		return
	}

	kind, err := staking.ParseKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_kind"})
		return
	}
	if !common.IsHexAddress(req.Pool) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_pool"})
		return
	}
	amount, ok := h.parseAmount(req.AmountWei, req.Amount)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_amount"})
		return
	}

	handle, err := h.ops.Submit(r.Context(), coordinator.Request{
		Kind:   kind,
		Pool:   staking.PoolRef{ChainID: h.cfg.ChainID, Address: common.HexToAddress(req.Pool)},
		User:   user,
		Amount: amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	wait := h.waitFor(req.WaitSeconds)
	if wait <= 0 {
		writeJSON(w, http.StatusAccepted, h.operationJSON(handle.Snapshot()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	snap, err := handle.Wait(ctx)
	if errors.Is(err, staking.ErrAwaitingConfirmation) {
		writeJSON(w, http.StatusAccepted, h.operationJSON(snap))
		return
	}
	writeJSON(w, http.StatusOK, h.operationJSON(snap))
}

func (h *handler) getOperation(w http.ResponseWriter, r *http.Request, user common.Address) {
	handle, err := h.ops.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap := handle.Snapshot()
	// Other users' operations are indistinguishable from missing ones.
	if snap.User != user {
		writeError(w, staking.ErrOperationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.operationJSON(snap))
}

func (h *handler) claimAll(w http.ResponseWriter, r *http.Request, user common.Address) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.cfg.MaxWaitSeconds)*time.Second)
	defer cancel()

	res, err := h.claimer.ClaimAll(ctx, user)
	if err != nil && res.Outcome != batchclaim.OutcomeSubmitFailed {
		writeError(w, err)
		return
	}

	out := claimAllResponse{
		Outcome:       string(res.Outcome),
		LedgerLagging: res.LedgerLagging,
		Pools:         make([]poolResultResponse, 0, len(res.Pools)),
	}
	if res.TxHash != (common.Hash{}) {
		out.TxHash = res.TxHash.Hex()
	}
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		out.Error = err.Error()
	}
	for _, p := range res.Pools {
		pr := poolResultResponse{
			Pool:   p.Pool.Address.Hex(),
			Status: string(p.Status),
			Reason: p.Reason,
		}
		if p.Reward != nil {
			pr.RewardWei = p.Reward.String()
			pr.Reward = h.display(p.Reward)
		}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		out.Pools = append(out.Pools, pr)
	}

	status := http.StatusOK
	if res.Outcome == batchclaim.OutcomeSubmitFailed {
		status = http.StatusBadGateway
	} else if res.Outcome == batchclaim.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (h *handler) getView(w http.ResponseWriter, r *http.Request, user common.Address) {
	q := r.URL.Query()
	pool := q.Get("pool")
	if !common.IsHexAddress(pool) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_pool"})
		return
	}
	ref := staking.PoolRef{ChainID: h.cfg.ChainID, Address: common.HexToAddress(pool)}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.cfg.MaxWaitSeconds)*time.Second)
	defer cancel()

	var (
		v   readmodel.View
		err error
	)
	if q.Get("refresh") == "true" {
		v, err = h.viewer.Refresh(ctx, user, ref)
	} else {
		v, err = h.viewer.GetView(ctx, user, ref)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := viewResponse{
		User:        v.User.Hex(),
		Pool:        v.Pool.Address.Hex(),
		ChainID:     v.Pool.ChainID,
		StakeWei:    staking.AmountOrZero(v.Stake).String(),
		Stake:       h.display(v.Stake),
		StakeSource: string(v.StakeSource),
		Stale:       v.Stale,
		LastClaimAt: v.LastClaimAt,
		Cooldown:    v.CooldownUntil,
	}
	if v.PendingReward != nil {
		out.PendingRewardWei = v.PendingReward.String()
		out.PendingReward = h.display(v.PendingReward)
	}
	if !v.ReadAt.IsZero() {
		at := v.ReadAt.UTC()
		out.ReadAt = &at
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads one JSON object and rejects unknown fields and trailing data.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return false
	}
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return false
	}
	return true
}

func (h *handler) waitFor(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if seconds > h.cfg.MaxWaitSeconds {
		seconds = h.cfg.MaxWaitSeconds
	}
	return time.Duration(seconds) * time.Second
}

// parseAmount accepts either an integer wei string or a decimal token amount.
// Neither set means no amount (claims).
func (h *handler) parseAmount(wei, display string) (*big.Int, bool) {
	switch {
	case wei != "" && display != "":
		return nil, false
	case wei != "":
		v, ok := new(big.Int).SetString(wei, 10)
		if !ok || v.Sign() < 0 {
			return nil, false
		}
		return v, true
	case display != "":
		d, err := decimal.NewFromString(display)
		if err != nil || d.IsNegative() {
			return nil, false
		}
		scaled := d.Shift(h.cfg.TokenDecimals)
		if !scaled.Equal(scaled.Truncate(0)) {
			return nil, false
		}
		return scaled.BigInt(), true
	default:
		return nil, true
	}
}

func (h *handler) display(v *big.Int) string {
	return decimal.NewFromBigInt(staking.AmountOrZero(v), -h.cfg.TokenDecimals).String()
}

func (h *handler) operationJSON(op staking.Operation) operationResponse {
	out := operationResponse{
		ID:        op.ID,
		Kind:      op.Kind.String(),
		State:     op.State.String(),
		Pool:      op.Pool.Address.Hex(),
		ChainID:   op.Pool.ChainID,
		User:      op.User.Hex(),
		TimedOut:  op.TimedOut,
		CreatedAt: op.CreatedAt.UTC(),
		UpdatedAt: op.UpdatedAt.UTC(),
	}
	if op.Amount != nil {
		out.AmountWei = op.Amount.String()
		out.Amount = h.display(op.Amount)
	}
	if op.TxHash != (common.Hash{}) {
		out.TxHash = op.TxHash.Hex()
	}
	if op.BlockNumber != 0 {
		out.BlockNumber = op.BlockNumber
	}
	if op.Err != nil {
		out.Error = op.Err.Error()
		out.ErrorCode = errorCode(op.Err)
	}
	return out
}

type operationRequest struct {
	Kind        string `json:"kind"`
	Pool        string `json:"pool"`
	AmountWei   string `json:"amount_wei,omitempty"`
	Amount      string `json:"amount,omitempty"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`
}

type operationResponse struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Pool        string    `json:"pool"`
	ChainID     uint64    `json:"chain_id"`
	User        string    `json:"user"`
	AmountWei   string    `json:"amount_wei,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type claimAllResponse struct {
	TxHash        string               `json:"tx_hash,omitempty"`
	Outcome       string               `json:"outcome"`
	LedgerLagging bool                 `json:"ledger_lagging,omitempty"`
	Error         string               `json:"error,omitempty"`
	Pools         []poolResultResponse `json:"pools"`
}

type poolResultResponse struct {
	Pool      string `json:"pool"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	RewardWei string `json:"reward_wei,omitempty"`
	Reward    string `json:"reward,omitempty"`
	Error     string `json:"error,omitempty"`
}

type viewResponse struct {
	User             string     `json:"user"`
	Pool             string     `json:"pool"`
	ChainID          uint64     `json:"chain_id"`
	StakeWei         string     `json:"stake_wei"`
	Stake            string     `json:"stake"`
	StakeSource      string     `json:"stake_source"`
	PendingRewardWei string     `json:"pending_reward_wei,omitempty"`
	PendingReward    string     `json:"pending_reward,omitempty"`
	LastClaimAt      *time.Time `json:"last_claim_at,omitempty"`
	Cooldown         *time.Time `json:"cooldown_until,omitempty"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
	Stale            bool       `json:"stale"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, staking.ErrInvalidInput):
		return "invalid_request"
	case errors.Is(err, staking.ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, staking.ErrConcurrentOperation):
		return "concurrent_operation"
	case errors.Is(err, staking.ErrCoolingDown):
		return "cooling_down"
	case errors.Is(err, staking.ErrOperationNotFound):
		return "not_found"
	case errors.Is(err, staking.ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, staking.ErrChainRejected):
		return "chain_rejected"
	case errors.Is(err, staking.ErrLedgerDesync):
		return "ledger_desync"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "invalid_request":
		status = http.StatusBadRequest
	case "insufficient_stake":
		status = http.StatusUnprocessableEntity
	case "concurrent_operation":
		status = http.StatusConflict
	case "cooling_down":
		status = http.StatusTooManyRequests
	case "not_found":
		status = http.StatusNotFound
	case "submission_failed":
		status = http.StatusBadGateway
	case "timeout":
		status = http.StatusGatewayTimeout
	case "canceled":
		status = http.StatusRequestTimeout
	}
	body := map[string]any{"error": code}
	// Internal details stay in the logs.
	if status != http.StatusInternalServerError {
		body["message"] = err.Error()
	}
	var cooling *staking.CoolingDownError
	if errors.As(err, &cooling) {
		body["retryAt"] = cooling.Until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
