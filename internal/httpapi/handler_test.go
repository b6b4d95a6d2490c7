package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/batchclaim"
	"github.com/rewardpools/stake-engine/internal/chain/chaintest"
	"github.com/rewardpools/stake-engine/internal/coordinator"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/readmodel"
	"github.com/rewardpools/stake-engine/internal/staking"
)

const testChainID = 8453

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	dave     = common.HexToAddress("0x0000000000000000000000000000000000000d0e")
)

type stack struct {
	sim     *chaintest.Sim
	handler http.Handler
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	sim := chaintest.NewSim()
	store := ledger.NewMemoryStore()

	coord, err := coordinator.New(coordinator.Config{ChainID: testChainID, ReceiptTimeout: 5 * time.Second}, sim, store, nil)
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(coord.Close)
	orch, err := batchclaim.New(batchclaim.Config{ChainID: testChainID}, coord, sim, store, nil)
	if err != nil {
		t.Fatalf("batchclaim.New: %v", err)
	}
	t.Cleanup(orch.Close)
	views, err := readmodel.New(readmodel.Config{ChainID: testChainID}, sim, store, nil)
	if err != nil {
		t.Fatalf("readmodel.New: %v", err)
	}
	t.Cleanup(views.Close)

	cfg.ChainID = testChainID
	return &stack{sim: sim, handler: NewHandler(coord, orch, views, cfg)}
}

func (s *stack) do(t *testing.T, method, path string, body any, user *common.Address) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != nil {
		req.Header.Set(userHeader, user.Hex())
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHandler_RequiresBearerTokenWhenConfigured(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{AuthToken: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/view?pool="+poolAddr.Hex(), nil)
	req.Header.Set(userHeader, dave.Hex())
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}

	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status with token: got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandler_RequiresUserHeader(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{})
	rr := s.do(t, http.MethodPost, "/v1/claim-all", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rr.Code)
	}
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{})
	rr := s.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
}

func TestHandler_StakeWaitThenView(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{TokenDecimals: 6})
	rr := s.do(t, http.MethodPost, "/v1/operations", map[string]any{
		"kind":         "stake",
		"pool":         poolAddr.Hex(),
		"amount":       "1.5",
		"wait_seconds": 5,
	}, &dave)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	op := decodeBody[operationResponse](t, rr)
	if op.State != staking.StateReconciled.String() || op.AmountWei != "1500000" || op.Amount != "1.5" || op.TxHash == "" {
		t.Fatalf("operation: %+v", op)
	}

	rr = s.do(t, http.MethodGet, "/v1/operations/"+op.ID, nil, &dave)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status: %d", rr.Code)
	}

	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	if rr := s.do(t, http.MethodGet, "/v1/operations/"+op.ID, nil, &other); rr.Code != http.StatusNotFound {
		t.Fatalf("foreign user: got %d", rr.Code)
	}

	rr = s.do(t, http.MethodGet, "/v1/view?pool="+poolAddr.Hex(), nil, &dave)
	if rr.Code != http.StatusOK {
		t.Fatalf("view status: %d body=%s", rr.Code, rr.Body.String())
	}
	v := decodeBody[viewResponse](t, rr)
	if v.StakeWei != "1500000" || v.Stake != "1.5" || v.ChainID != testChainID {
		t.Fatalf("view: %+v", v)
	}
}

func TestHandler_SubmitErrors(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{})
	cases := []struct {
		name string
		body any
		want int
		code string
	}{
		{name: "unknown field", body: `{"kind":"stake","pool":"` + poolAddr.Hex() + `","extra":1}`, want: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing data", body: `{"kind":"claim","pool":"` + poolAddr.Hex() + `"} {}`, want: http.StatusBadRequest, code: "invalid_json"},
		{name: "bad kind", body: map[string]any{"kind": "burn", "pool": poolAddr.Hex()}, want: http.StatusBadRequest, code: "invalid_kind"},
		{name: "bad pool", body: map[string]any{"kind": "claim", "pool": "nope"}, want: http.StatusBadRequest, code: "invalid_pool"},
		{name: "both amounts", body: map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount": "1", "amount_wei": "1"}, want: http.StatusBadRequest, code: "invalid_amount"},
		{name: "too precise", body: map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount": "0.0000000000000000001"}, want: http.StatusBadRequest, code: "invalid_amount"},
		{name: "zero stake", body: map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount_wei": "0"}, want: http.StatusBadRequest, code: "invalid_request"},
		{name: "unstake beyond confirmed", body: map[string]any{"kind": "unstake", "pool": poolAddr.Hex(), "amount_wei": "150"}, want: http.StatusUnprocessableEntity, code: "insufficient_stake"},
	}
	for _, tc := range cases {
		rr := s.do(t, http.MethodPost, "/v1/operations", tc.body, &dave)
		if rr.Code != tc.want {
			t.Fatalf("%s: status got %d want %d body=%s", tc.name, rr.Code, tc.want, rr.Body.String())
		}
		if got := decodeBody[map[string]any](t, rr)["error"]; got != tc.code {
			t.Fatalf("%s: error got %v want %s", tc.name, got, tc.code)
		}
	}
}

func TestHandler_SubmitWithoutWaitIsAccepted(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{})
	s.sim.Hold(true)
	rr := s.do(t, http.MethodPost, "/v1/operations", map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount_wei": "10"}, &dave)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: %d body=%s", rr.Code, rr.Body.String())
	}
	op := decodeBody[operationResponse](t, rr)
	if op.State != staking.StateAwaitingConfirmation.String() {
		t.Fatalf("state: %s", op.State)
	}

	// A second operation on the same pair conflicts.
	rr = s.do(t, http.MethodPost, "/v1/operations", map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount_wei": "10"}, &dave)
	if rr.Code != http.StatusConflict {
		t.Fatalf("conflict status: %d", rr.Code)
	}
	s.sim.MineAll()
}

func TestHandler_ClaimAll(t *testing.T) {
	t.Parallel()

	s := newStack(t, Config{})
	rr := s.do(t, http.MethodPost, "/v1/claim-all", nil, &dave)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body=%s", rr.Code, rr.Body.String())
	}
	out := decodeBody[claimAllResponse](t, rr)
	if out.Outcome != string(batchclaim.OutcomeNothingToClaim) || out.Error == "" || out.TxHash != "" {
		t.Fatalf("nothing to claim: %+v", out)
	}

	// Stake, then accrue a reward and claim it.
	if rr := s.do(t, http.MethodPost, "/v1/operations", map[string]any{"kind": "stake", "pool": poolAddr.Hex(), "amount_wei": "100", "wait_seconds": 5}, &dave); rr.Code != http.StatusOK {
		t.Fatalf("stake: %d %s", rr.Code, rr.Body.String())
	}
	s.sim.SetReward(poolAddr, dave, big.NewInt(5))

	rr = s.do(t, http.MethodPost, "/v1/claim-all", nil, &dave)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d body=%s", rr.Code, rr.Body.String())
	}
	out = decodeBody[claimAllResponse](t, rr)
	if out.Outcome != string(batchclaim.OutcomeCompleted) || len(out.Pools) != 1 || out.Pools[0].Status != string(batchclaim.StatusClaimed) || out.Pools[0].RewardWei != "5" {
		t.Fatalf("claim: %+v", out)
	}

	rr = s.do(t, http.MethodGet, "/v1/view?pool="+poolAddr.Hex()+"&refresh=true", nil, &dave)
	v := decodeBody[viewResponse](t, rr)
	if v.LastClaimAt == nil || v.Cooldown == nil || v.PendingRewardWei != "0" {
		t.Fatalf("view after claim: %+v", v)
	}

	// The pool is cooling down, so a single claim is refused.
	rr = s.do(t, http.MethodPost, "/v1/operations", map[string]any{"kind": "claim", "pool": poolAddr.Hex()}, &dave)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("claim during cooldown: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody[map[string]any](t, rr)
	if body["error"] != "cooling_down" || body["retryAt"] == nil {
		t.Fatalf("cooldown body: %v", body)
	}

	rr = s.do(t, http.MethodPost, "/v1/claim-all", nil, &dave)
	out = decodeBody[claimAllResponse](t, rr)
	if out.Outcome != string(batchclaim.OutcomeNothingToClaim) || len(out.Pools) != 1 || out.Pools[0].Reason != batchclaim.ReasonCoolingDown {
		t.Fatalf("claim-all during cooldown: %+v", out)
	}
}

func TestWriteError_Mapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{err: staking.ErrOperationNotFound, want: http.StatusNotFound},
		{err: &staking.CoolingDownError{Until: time.Now()}, want: http.StatusTooManyRequests},
		{err: &staking.SubmissionFailedError{Attempts: 3, Err: errors.New("rpc")}, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%v: got %d want %d", tc.err, rr.Code, tc.want)
		}
	}
	rr := httptest.NewRecorder()
	writeError(rr, errors.New("password=hunter2"))
	if bytes.Contains(rr.Body.Bytes(), []byte("hunter2")) {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestCheckBearer(t *testing.T) {
	t.Parallel()

	if !checkBearer("Bearer tok", "tok") || checkBearer("bearer tok", "tok") || checkBearer("Bearer other", "tok") {
		t.Fatalf("checkBearer mismatch")
	}
}
