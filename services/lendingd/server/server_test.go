package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"loanledger/core/events"
	"loanledger/core/state"
	"loanledger/gateway/middleware"
	"loanledger/native/bank"
	"loanledger/native/lending"
	"loanledger/observability"
	"loanledger/services/lendingd/archive"
	"loanledger/services/lendingd/feeds"
	"loanledger/storage"
)

const (
	thirtyDays = 30 * 24 * 60 * 60
	oneToken   = "1000000000000000000"
)

var (
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	feeAddr      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	lenderAddr   = common.HexToAddress("0x000000000000000000000000000000000000000a")
	borrowerAddr = common.HexToAddress("0x000000000000000000000000000000000000000b")
	keeperAddr   = common.HexToAddress("0x000000000000000000000000000000000000000c")
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	feedAddr     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	engine  *lending.Engine
	state   *state.Manager
	db      *storage.MemDB
	clock   int64
}

// tokens returns n whole 18-decimal units as a decimal string.
func tokens(n int) string {
	return fmt.Sprintf("%d%s", n, strings.Repeat("0", 18))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := storage.NewMemDB()
	manager := state.NewManager(db)
	keeper := bank.NewKeeper(manager)

	store, err := feeds.Open(feeds.FileDSN(filepath.Join(t.TempDir(), "feeds.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gdb, err := archive.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	arch, err := archive.New(gdb, nil)
	require.NoError(t, err)

	ts := &testServer{t: t, state: manager, db: db, clock: 1_700_000_000}
	engine := lending.NewEngine(manager, keeper, store, custodyAddr)
	engine.SetNowFunc(func() int64 { return ts.clock })
	exec := NewExecutor(manager, events.Multi{arch, observability.EventCounter{}}, arch, nil)
	engine.SetEmitter(exec)
	ts.engine = engine

	cfg := lending.DefaultConfig()
	cfg.Owner = ownerAddr.Hex()
	cfg.FeeRecipient = feeAddr.Hex()
	cfg.Assets = []lending.AssetConfig{{Address: tokenAddr.Hex(), Decimals: 18, Feed: feedAddr.Hex()}}
	require.NoError(t, exec.Mutate(context.Background(), func() error { return engine.Bootstrap(cfg) }))

	srv, err := New(Config{
		Engine:        engine,
		Bank:          keeper,
		Feeds:         store,
		Archive:       arch,
		Executor:      exec,
		IdempotencyDB: gdb,
		FaucetEnabled: true,
		Now:           func() time.Time { return time.Unix(ts.clock, 0) },
	})
	require.NoError(t, err)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(method, path string, who common.Address, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if who != (common.Address{}) {
		req.Header.Set(middleware.HeaderDevCaller, who.Hex())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)
	return res
}

func (ts *testServer) decode(res *httptest.ResponseRecorder, out any) {
	ts.t.Helper()
	require.NoError(ts.t, json.Unmarshal(res.Body.Bytes(), out), res.Body.String())
}

func (ts *testServer) expectCode(res *httptest.ResponseRecorder, status int, code string) {
	ts.t.Helper()
	if res.Code != status {
		ts.t.Fatalf("expected status %d, got %d: %s", status, res.Code, res.Body.String())
	}
	var body errorBody
	ts.decode(res, &body)
	require.Equal(ts.t, code, body.Error.Code)
}

// fund prepares balances, publishes a price and opens a funded 1000/1500 loan.
func (ts *testServer) fundedLoan() loanResponse {
	ts.t.Helper()
	ts.setup()
	res := ts.do(http.MethodPost, "/v1/loans", borrowerAddr, requestLoanBody{
		Amount:           tokens(1000),
		InterestRateBps:  500,
		Duration:         thirtyDays,
		CollateralAsset:  tokenAddr.Hex(),
		CollateralAmount: tokens(1500),
	})
	require.Equal(ts.t, http.StatusCreated, res.Code, res.Body.String())
	var loan loanResponse
	ts.decode(res, &loan)

	res = ts.do(http.MethodPost, fmt.Sprintf("/v1/loans/%d/fund", loan.ID), lenderAddr, paymentBody{Payment: tokens(1000)})
	require.Equal(ts.t, http.StatusOK, res.Code, res.Body.String())
	ts.decode(res, &loan)
	return loan
}

func (ts *testServer) setup() {
	ts.t.Helper()
	for _, step := range []struct {
		who  common.Address
		path string
		body any
	}{
		{borrowerAddr, "/v1/bank/faucet", approveBody{Asset: tokenAddr.Hex(), Amount: tokens(10_000)}},
		{borrowerAddr, "/v1/bank/approve", approveBody{Asset: tokenAddr.Hex(), Amount: tokens(10_000)}},
		{borrowerAddr, "/v1/bank/faucet", approveBody{Amount: tokens(100)}},
		{lenderAddr, "/v1/bank/faucet", approveBody{Amount: tokens(10_000)}},
		{keeperAddr, "/v1/bank/faucet", approveBody{Amount: tokens(10_000)}},
	} {
		res := ts.do(http.MethodPost, step.path, step.who, step.body)
		require.Equal(ts.t, http.StatusOK, res.Code, res.Body.String())
	}
	ts.publishPrice("100000000")
}

func (ts *testServer) publishPrice(price string) {
	ts.t.Helper()
	res := ts.do(http.MethodPost, "/v1/admin/feeds/"+feedAddr.Hex()+"/rounds", ownerAddr, roundBody{Price: price, Decimals: 8})
	require.Equal(ts.t, http.StatusCreated, res.Code, res.Body.String())
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.fundedLoan()
	require.Equal(t, "funded", loan.State)
	require.Equal(t, lenderAddr.Hex(), loan.Lender)
	require.Equal(t, uint64(ts.clock)+thirtyDays+24*60*60, loan.Expiry)

	res := ts.do(http.MethodGet, "/v1/loans/0", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var detail loanResponse
	ts.decode(res, &detail)
	require.NotNil(t, detail.Liquidation)
	require.False(t, detail.Liquidation.Liquidatable)
	require.Equal(t, tokens(1500), detail.Liquidation.CollateralValue)

	res = ts.do(http.MethodPost, "/v1/loans/0/repay", borrowerAddr, paymentBody{Payment: loan.RemainingRepayment})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	ts.decode(res, &detail)
	require.Equal(t, "repaid", detail.State)
	require.Equal(t, "0", detail.RemainingRepayment)

	res = ts.do(http.MethodGet, "/v1/stats", common.Address{}, nil)
	var stats statsResponse
	ts.decode(res, &stats)
	require.Equal(t, statsResponse{Total: 1, Repaid: 1, LoanCount: 1}, stats)

	res = ts.do(http.MethodGet, "/v1/collateral/"+tokenAddr.Hex()+"/locked", common.Address{}, nil)
	var asset assetResponse
	ts.decode(res, &asset)
	require.Equal(t, "0", asset.Locked)
	require.True(t, asset.Allowed)

	res = ts.do(http.MethodGet, "/v1/accounts/"+borrowerAddr.Hex()+"/loans", common.Address{}, nil)
	var history accountLoansResponse
	ts.decode(res, &history)
	require.Equal(t, []uint64{0}, history.LoanIDs)
	res = ts.do(http.MethodGet, "/v1/accounts/"+borrowerAddr.Hex()+"/loans?active=true", common.Address{}, nil)
	ts.decode(res, &history)
	require.Empty(t, history.LoanIDs)

	res = ts.do(http.MethodGet, "/v1/events?loan_id=0", common.Address{}, nil)
	var page eventsResponse
	ts.decode(res, &page)
	var types []string
	for _, evt := range page.Events {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{lending.EventTypeLoanRequested, lending.EventTypeLoanFunded, lending.EventTypeLoanRepaid}, types)
}

func TestLiquidationAfterPriceDrop(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.fundedLoan()

	res := ts.do(http.MethodPost, "/v1/loans/0/liquidate", keeperAddr, paymentBody{Payment: loan.RemainingRepayment})
	ts.expectCode(res, http.StatusConflict, "collateral_sufficient")

	ts.publishPrice("70000000")
	res = ts.do(http.MethodGet, "/v1/loans/0/ratio", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var quote quoteResponse
	ts.decode(res, &quote)
	require.True(t, quote.Liquidatable)

	res = ts.do(http.MethodPost, "/v1/loans/0/liquidate", keeperAddr, paymentBody{Payment: oneToken})
	ts.expectCode(res, http.StatusBadRequest, "insufficient_payment")

	res = ts.do(http.MethodPost, "/v1/loans/0/liquidate", keeperAddr, paymentBody{Payment: loan.RemainingRepayment})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var closed loanResponse
	ts.decode(res, &closed)
	require.Equal(t, "liquidated", closed.State)
}

func TestDefaultAfterGracePeriod(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.fundedLoan()

	ts.clock = int64(loan.Expiry)
	res := ts.do(http.MethodPost, "/v1/loans/0/default", keeperAddr, nil)
	ts.expectCode(res, http.StatusConflict, "loan_not_expired")

	ts.clock++
	res = ts.do(http.MethodPost, "/v1/loans/0/default", keeperAddr, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var closed loanResponse
	ts.decode(res, &closed)
	require.Equal(t, "defaulted", closed.State)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.fundedLoan()

	res := ts.do(http.MethodPost, "/v1/loans/0/fund", lenderAddr, paymentBody{Payment: tokens(1000)})
	ts.expectCode(res, http.StatusConflict, "invalid_loan_state")

	res = ts.do(http.MethodGet, "/v1/loans/99", common.Address{}, nil)
	ts.expectCode(res, http.StatusNotFound, "loan_not_found")

	res = ts.do(http.MethodGet, "/v1/loans/abc", common.Address{}, nil)
	ts.expectCode(res, http.StatusBadRequest, "bad_request")

	res = ts.do(http.MethodPost, "/v1/loans", common.Address{}, requestLoanBody{})
	ts.expectCode(res, http.StatusUnauthorized, "unauthenticated")

	res = ts.do(http.MethodPost, "/v1/loans/0/cancel", lenderAddr, nil)
	ts.expectCode(res, http.StatusForbidden, "unauthorized")

	res = ts.do(http.MethodPost, "/v1/loans", borrowerAddr, requestLoanBody{
		Amount: "12.5", InterestRateBps: 500, Duration: thirtyDays,
		CollateralAsset: tokenAddr.Hex(), CollateralAmount: tokens(1500),
	})
	ts.expectCode(res, http.StatusBadRequest, "bad_request")

	res = ts.do(http.MethodPost, "/v1/loans", borrowerAddr, requestLoanBody{
		Amount: tokens(1000), InterestRateBps: 500, Duration: thirtyDays,
		CollateralAsset: tokenAddr.Hex(), CollateralAmount: tokens(1000),
	})
	ts.expectCode(res, http.StatusBadRequest, "insufficient_collateral_value")

	ts.clock += 2 * 60 * 60
	res = ts.do(http.MethodPost, "/v1/loans", borrowerAddr, requestLoanBody{
		Amount: tokens(100), InterestRateBps: 500, Duration: thirtyDays,
		CollateralAsset: tokenAddr.Hex(), CollateralAmount: tokens(1500),
	})
	ts.expectCode(res, http.StatusFailedDependency, "stale_price_data")
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.setup()

	res := ts.do(http.MethodPost, "/v1/admin/pause", borrowerAddr, nil)
	ts.expectCode(res, http.StatusForbidden, "unauthorized")

	res = ts.do(http.MethodPost, "/v1/admin/pause", ownerAddr, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var policy policyResponse
	ts.decode(res, &policy)
	require.True(t, policy.Paused)

	res = ts.do(http.MethodPost, "/v1/loans", borrowerAddr, requestLoanBody{
		Amount: tokens(100), InterestRateBps: 500, Duration: thirtyDays,
		CollateralAsset: tokenAddr.Hex(), CollateralAmount: tokens(150),
	})
	ts.expectCode(res, http.StatusServiceUnavailable, "paused")

	res = ts.do(http.MethodPost, "/v1/admin/unpause", ownerAddr, nil)
	require.Equal(t, http.StatusOK, res.Code)

	fee := uint64(250)
	grace := uint64(3600)
	res = ts.do(http.MethodPut, "/v1/admin/policy", ownerAddr, policyBody{PlatformFeeBps: &fee, GracePeriod: &grace})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	ts.decode(res, &policy)
	require.Equal(t, fee, policy.PlatformFeeBps)
	require.Equal(t, grace, policy.GracePeriod)

	// An invalid field rolls back the valid ones applied before it.
	ratio := uint64(15_000)
	badBonus := uint64(5_000)
	res = ts.do(http.MethodPut, "/v1/admin/policy", ownerAddr, policyBody{CollateralRatioBps: &ratio, LiquidationBonusBps: &badBonus})
	ts.expectCode(res, http.StatusBadRequest, "invalid_parameter")
	res = ts.do(http.MethodGet, "/v1/policy", common.Address{}, nil)
	ts.decode(res, &policy)
	require.Equal(t, uint64(500), policy.LiquidationBonusBps)

	other := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	res = ts.do(http.MethodPut, "/v1/admin/assets/"+other.Hex(), ownerAddr, assetBody{Allowed: true, Decimals: 6, Feed: feedAddr.Hex()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var asset assetResponse
	ts.decode(res, &asset)
	require.Equal(t, uint8(6), asset.Decimals)
	require.Equal(t, feedAddr.Hex(), asset.Feed)

	res = ts.do(http.MethodPost, "/v1/admin/feeds/"+feedAddr.Hex()+"/rounds", borrowerAddr, roundBody{Price: "1", Decimals: 8})
	ts.expectCode(res, http.StatusForbidden, "unauthorized")
	res = ts.do(http.MethodPost, "/v1/admin/feeds/"+feedAddr.Hex()+"/rounds", ownerAddr, roundBody{Price: "-1", Decimals: 8})
	ts.expectCode(res, http.StatusBadRequest, "invalid_round")
}

func TestRescueNativeSurplus(t *testing.T) {
	ts := newTestServer(t)
	ts.setup()

	res := ts.do(http.MethodPost, "/v1/admin/rescue", ownerAddr, rescueBody{To: feeAddr.Hex(), Amount: oneToken})
	ts.expectCode(res, http.StatusConflict, "rescue_exceeds_surplus")

	res = ts.do(http.MethodPost, "/v1/admin/rescue", ownerAddr, rescueBody{Asset: tokenAddr.Hex(), To: feeAddr.Hex(), Amount: "0"})
	ts.expectCode(res, http.StatusBadRequest, "invalid_amount")
}

func TestIdempotentLoanRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.setup()
	body := requestLoanBody{
		Amount: tokens(100), InterestRateBps: 500, Duration: thirtyDays,
		CollateralAsset: tokenAddr.Hex(), CollateralAmount: tokens(150),
	}
	first := ts.do(http.MethodPost, "/v1/loans", borrowerAddr, body, middleware.HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := ts.do(http.MethodPost, "/v1/loans", borrowerAddr, body, middleware.HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	count, err := ts.engine.LoanCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestMutationsAreCommitted(t *testing.T) {
	ts := newTestServer(t)
	ts.fundedLoan()
	require.Zero(t, ts.state.Dirty())

	// A fresh manager over the same database sees the committed loan.
	reopened := lending.NewEngine(state.NewManager(ts.db), bank.NewKeeper(state.NewManager(ts.db)), nil, custodyAddr)
	loan, err := reopened.Loan(0)
	require.NoError(t, err)
	require.Equal(t, lending.LoanFunded, loan.State)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)

	ts.fundedLoan()
	res = ts.do(http.MethodGet, "/metrics", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	require.Contains(t, body, `loanledger_loans{bucket="active"} 1`)
	require.Contains(t, body, "lendingd_http_requests_total")
	require.Contains(t, body, "loanledger_operations_total")
}
