package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	match "github.com/0x5487/margin-engine"
	"github.com/0x5487/margin-engine/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var btcMarket = match.MarketConfig{ID: "WBTC-USDC", Base: "WBTC", Quote: "USDC", BaseDecimals: 8, QuoteDecimals: 6}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID string          `json:"request_id"`
}

type testServer struct {
	t      *testing.T
	engine *match.MatchingEngine
	router *gin.Engine
}

// fixedLender lends nothing and reports the same health factor for everyone.
type fixedLender struct {
	hf decimal.Decimal
}

func (l fixedLender) Borrow(context.Context, match.Address, match.Asset, decimal.Decimal) error {
	return match.ErrBorrowRejected
}

func (l fixedLender) HealthFactor(context.Context, match.Address) (decimal.Decimal, error) {
	return l.hf, nil
}

func newTestServer(t *testing.T, opts ...match.EngineOption) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]match.EngineOption{
		match.WithEnginePolicy(match.NewAccessList("operator")),
		match.WithEngineMetrics(match.NewMetrics(reg)),
	}, opts...)
	engine := match.NewMatchingEngine(match.NewDiscardPublishLog(), opts...)
	require.NoError(t, engine.CreateMarket(btcMarket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	router := NewRouter(engine, Options{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	return &testServer{t: t, engine: engine, router: router}
}

func (s *testServer) do(method, path, caller string, body any) (int, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func (s *testServer) deposit(user, asset, amount string) {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/v1/accounts/"+user+"/deposits", "operator", protocol.BalanceCommand{Asset: asset, Amount: amount})
	require.Equal(s.t, http.StatusOK, code, env.Error)
}

func (s *testServer) place(caller string, cmd protocol.PlaceOrderCommand) (int, *protocol.PlaceOrderResponse, envelope) {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/v1/markets/WBTC-USDC/orders", caller, cmd)
	if !env.Success {
		return code, nil, env
	}
	var resp protocol.PlaceOrderResponse
	require.NoError(s.t, json.Unmarshal(env.Data, &resp))
	return code, &resp, env
}

func TestOrderRoutes(t *testing.T) {
	s := newTestServer(t)
	s.deposit("alice", "WBTC", "3")
	s.deposit("bob", "USDC", "1000")

	code, sell, env := s.place("alice", protocol.PlaceOrderCommand{
		Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "100", Size: "2",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, "WBTC-USDC:1", sell.OrderID)
	assert.Equal(t, "2", sell.Resting)
	assert.NotEmpty(t, env.RequestID)

	code, buy, env := s.place("bob", protocol.PlaceOrderCommand{
		Side: protocol.SideBuy, OrderType: protocol.OrderTypeMarket, Size: "3",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, "2", buy.Filled)
	assert.Equal(t, "1", buy.Discarded)
	assert.Equal(t, protocol.ReasonNoLiquidity, buy.Reason)
	require.Len(t, buy.Trades, 1)
	assert.Equal(t, "200", buy.Trades[0].Amount)
	assert.Equal(t, "WBTC-USDC:1", buy.Trades[0].MakerOrderID)

	t.Run("cancel", func(t *testing.T) {
		_, rest, _ := s.place("alice", protocol.PlaceOrderCommand{
			Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "105", Size: "1",
		})
		require.NotNil(t, rest)

		code, env := s.do(http.MethodDelete, "/v1/markets/WBTC-USDC/orders/"+jsonNumber(rest.Seq), "bob", nil)
		assert.Equal(t, http.StatusForbidden, code, env.Error)

		code, env = s.do(http.MethodDelete, "/v1/markets/WBTC-USDC/orders/"+jsonNumber(rest.Seq), "alice", nil)
		assert.Equal(t, http.StatusOK, code, env.Error)

		code, _ = s.do(http.MethodDelete, "/v1/markets/WBTC-USDC/orders/"+jsonNumber(rest.Seq), "alice", nil)
		assert.Equal(t, http.StatusNotFound, code)

		code, _ = s.do(http.MethodDelete, "/v1/markets/WBTC-USDC/orders/abc", "alice", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("rejections", func(t *testing.T) {
		code, _, env := s.place("alice", protocol.PlaceOrderCommand{
			Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "abc", Size: "1",
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, env.Error, "price")

		code, _, _ = s.place("alice", protocol.PlaceOrderCommand{
			Owner: "bob", Side: protocol.SideBuy, OrderType: protocol.OrderTypeLimit, Price: "1", Size: "1",
		})
		assert.Equal(t, http.StatusForbidden, code)

		code, _, _ = s.place("", protocol.PlaceOrderCommand{
			Side: protocol.SideBuy, OrderType: protocol.OrderTypeLimit, Price: "1", Size: "1",
		})
		assert.Equal(t, http.StatusUnauthorized, code)

		code, env = s.do(http.MethodPost, "/v1/markets/DOGE-USDC/orders", "alice", protocol.PlaceOrderCommand{
			Side: protocol.SideBuy, OrderType: protocol.OrderTypeLimit, Price: "1", Size: "1",
		})
		assert.Equal(t, http.StatusNotFound, code, env.Error)
	})
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestMarketDataRoutes(t *testing.T) {
	s := newTestServer(t)
	s.deposit("alice", "WBTC", "5")
	s.deposit("bob", "USDC", "1000")
	s.place("alice", protocol.PlaceOrderCommand{Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "101", Size: "1"})
	s.place("alice", protocol.PlaceOrderCommand{Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "101", Size: "2"})
	s.place("bob", protocol.PlaceOrderCommand{Side: protocol.SideBuy, OrderType: protocol.OrderTypeLimit, Price: "99", Size: "1"})

	code, env := s.do(http.MethodGet, "/v1/markets/WBTC-USDC/best?side=sell", "", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var best protocol.BestPriceResponse
	require.NoError(t, json.Unmarshal(env.Data, &best))
	assert.Equal(t, "101", best.Price)
	assert.False(t, best.Empty)

	code, env = s.do(http.MethodGet, "/v1/markets/WBTC-USDC/best?side=up", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(http.MethodGet, "/v1/markets/WBTC-USDC/depth?limit=10", "", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var depth protocol.GetDepthResponse
	require.NoError(t, json.Unmarshal(env.Data, &depth))
	require.Len(t, depth.Asks, 1)
	assert.Equal(t, "3", depth.Asks[0].Size)
	assert.Equal(t, int64(2), depth.Asks[0].Count)
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, "99", depth.Bids[0].Price)

	code, _ = s.do(http.MethodGet, "/v1/markets/WBTC-USDC/depth?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(http.MethodGet, "/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, code)
	var markets []match.MarketConfig
	require.NoError(t, json.Unmarshal(env.Data, &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "WBTC-USDC", markets[0].ID)
}

func TestAccountRoutes(t *testing.T) {
	s := newTestServer(t)
	s.deposit("alice", "USDC", "100")

	code, env := s.do(http.MethodPost, "/v1/accounts/alice/withdrawals", "bob", protocol.BalanceCommand{Asset: "USDC", Amount: "10"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(http.MethodPost, "/v1/accounts/alice/withdrawals", "alice", protocol.BalanceCommand{Asset: "USDC", Amount: "500"})
	assert.Equal(t, http.StatusUnprocessableEntity, code, env.Error)

	code, env = s.do(http.MethodPost, "/v1/accounts/alice/withdrawals", "alice", protocol.BalanceCommand{Asset: "USDC", Amount: "-1"})
	assert.Equal(t, http.StatusBadRequest, code, env.Error)

	code, env = s.do(http.MethodPost, "/v1/accounts/alice/withdrawals", "alice", protocol.BalanceCommand{Asset: "USDC", Amount: "40"})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = s.do(http.MethodGet, "/v1/accounts/alice/balances", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var views []protocol.BalanceView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, protocol.BalanceView{Asset: "USDC", Available: "60", Locked: "0"}, views[0])

	t.Run("deposits need an operator", func(t *testing.T) {
		code, env := s.do(http.MethodPost, "/v1/accounts/mallory/deposits", "mallory", protocol.BalanceCommand{Asset: "USDC", Amount: "1000000000"})
		assert.Equal(t, http.StatusForbidden, code, env.Error)

		code, env = s.do(http.MethodPost, "/v1/accounts/alice/deposits", "alice", protocol.BalanceCommand{Asset: "USDC", Amount: "1"})
		assert.Equal(t, http.StatusForbidden, code, env.Error)

		assert.Empty(t, s.engine.Balances("mallory"))
		assert.Equal(t, "60", s.engine.Balance("alice", "USDC").Available.String())
	})

	t.Run("balances of another account", func(t *testing.T) {
		code, env := s.do(http.MethodGet, "/v1/accounts/alice/balances", "bob", nil)
		assert.Equal(t, http.StatusForbidden, code, env.Error)

		code, env = s.do(http.MethodGet, "/v1/accounts/alice/balances", "operator", nil)
		assert.Equal(t, http.StatusOK, code, env.Error)
	})
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodGet, "/v1/accounts/alice/health", "alice", nil)
	assert.Equal(t, http.StatusNotImplemented, code, env.Error)

	s = newTestServer(t, match.WithLender(fixedLender{hf: decimal.RequireFromString("1.5")}))
	code, env = s.do(http.MethodGet, "/v1/accounts/alice/health", "alice", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var view protocol.HealthFactorView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, protocol.HealthFactorView{User: "alice", HealthFactor: "1.5"}, view)

	code, _ = s.do(http.MethodGet, "/v1/accounts/alice/health", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestOperationalRoutes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	s.deposit("alice", "WBTC", "1")
	s.place("alice", protocol.PlaceOrderCommand{Side: protocol.SideSell, OrderType: protocol.OrderTypeLimit, Price: "1", Size: "1"})

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "match_orders_accepted_total")
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{match.ErrInvalidParam, http.StatusBadRequest},
		{match.ErrUnauthorized, http.StatusForbidden},
		{match.ErrOrderNotFound, http.StatusNotFound},
		{match.ErrMarketHalted, http.StatusConflict},
		{match.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{match.ErrShutdown, http.StatusServiceUnavailable},
		{match.ErrNoLender, http.StatusNotImplemented},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
