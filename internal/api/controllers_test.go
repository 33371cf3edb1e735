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

	"perp-core/internal/events"
	"perp-core/internal/execution"
	"perp-core/internal/marketdata"
	"perp-core/internal/position"
	"perp-core/internal/reconciliation"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
)

const testAddress = "0x4444444444444444444444444444444444444444"

type fakeClient struct {
	placeRes *exchange.PlaceOrderResponse
}

func (f *fakeClient) GetUserState(ctx context.Context, address string) (*exchange.UserState, error) {
	return &exchange.UserState{
		MarginSummary: exchange.MarginSummary{AccountValue: "100000", TotalMarginUsed: "1000"},
	}, nil
}

func (f *fakeClient) GetAllMids(ctx context.Context) (map[string]string, error) {
	return map[string]string{"BTC": "50000"}, nil
}

func (f *fakeClient) GetOrderStatus(ctx context.Context, address string, oid int64) (*exchange.OrderStatusResult, error) {
	return &exchange.OrderStatusResult{Found: true, Status: "open"}, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.PlaceOrderResponse, error) {
	return f.placeRes, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol string, oid int64) (*exchange.CancelResponse, error) {
	return &exchange.CancelResponse{Status: "ok"}, nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) (*exchange.CancelResponse, error) {
	return &exchange.CancelResponse{Status: "ok"}, nil
}

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	placeRes := &exchange.PlaceOrderResponse{Status: "ok"}
	placeRes.Response.Data.Statuses = []exchange.OrderAck{{Resting: &exchange.RestingAck{Oid: 42}}}
	client := &fakeClient{placeRes: placeRes}

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{RequestsPerSecond: 1000, BurstCapacity: 1000, MaxQueueSize: 10})
	t.Cleanup(limiter.Shutdown)
	breaker := resilience.NewCircuitBreaker("exchange", resilience.DefaultBreakerConfig())
	retry := resilience.NewRetryHandler(resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2})
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	cache := marketdata.NewCache(marketdata.DefaultConfig())
	t.Cleanup(cache.Close)

	exec := execution.NewService(database, client, limiter, breaker, retry, bus, nil, 10)
	positions := position.NewService(database, client, limiter, breaker, retry, bus, exec, time.Hour)
	t.Cleanup(positions.Shutdown)
	recon := reconciliation.NewService(database, client, limiter, breaker, retry, bus, time.Hour, false)

	meta := SystemMeta{Venue: "hyperliquid", Symbols: []string{"BTC"}, Version: "test", StartedAt: time.Now()}
	return NewServer(bus, database, exec, positions, recon, cache, breaker, limiter, meta), database
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
}

func TestShortRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	// Client-supplied ids shorter than a UUID must not break the logger.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "ab")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); got != "ab" {
		t.Fatalf("echoed id=%q, want ab", got)
	}
}

func TestSystemStatus(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/system/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"breaker", "rate_limit", "cache", "venue"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("status body missing %q: %v", key, body)
		}
	}
}

func TestPlaceOrderEndpoint(t *testing.T) {
	s, database := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/orders", gin.H{
		"user_id":    "user-1",
		"address":    testAddress,
		"symbol":     "BTC",
		"side":       "buy",
		"order_type": "limit",
		"price":      50000,
		"size":       1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s, want 201", w.Code, w.Body.String())
	}
	var order db.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Status != db.OrderStatusOpen || order.ExchangeOrderID != 42 {
		t.Fatalf("order=%+v, want open/42", order)
	}

	stored, err := database.GetOrder(context.Background(), order.ID)
	if err != nil || stored.Status != db.OrderStatusOpen {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
}

func TestPlaceOrderEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/orders", gin.H{
		"user_id":    "user-1",
		"address":    testAddress,
		"symbol":     "BTC",
		"side":       "hold",
		"order_type": "limit",
		"price":      50000,
		"size":       1,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != execution.CodeInvalidSide {
		t.Fatalf("code=%v, want %s", body["code"], execution.CodeInvalidSide)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/orders/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
}

func TestGetOrdersRequiresUser(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/orders", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", w.Code)
	}
}

func TestGetPositions(t *testing.T) {
	s, database := newTestServer(t)
	ctx := context.Background()
	if err := database.UpsertOpenPosition(ctx, db.Position{
		UserID: "user-1", Symbol: "BTC", Side: db.PositionLong,
		Size: 1, EntryPrice: 50000, MarkPrice: 50000, Leverage: 10,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/api/positions?user_id=user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var body struct {
		Positions []db.Position `json:"positions"`
		Count     int           `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Positions[0].Symbol != "BTC" {
		t.Fatalf("body=%+v, want one BTC position", body)
	}
}

func TestClosePositionEndpointLimit(t *testing.T) {
	s, database := newTestServer(t)
	ctx := context.Background()
	if err := database.UpsertOpenPosition(ctx, db.Position{
		UserID: "user-1", Symbol: "BTC", Side: db.PositionLong,
		Size: 1, EntryPrice: 50000, MarkPrice: 50000, Leverage: 10,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	w := doJSON(t, s, http.MethodPost, "/api/positions/BTC/close", gin.H{
		"user_id":     "user-1",
		"address":     testAddress,
		"order_type":  "limit",
		"limit_price": 52000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", w.Code, w.Body.String())
	}
	var order db.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.OrderType != "limit" || order.Price != 52000 {
		t.Fatalf("order=%+v, want limit at 52000", order)
	}
	if !order.ReduceOnly || order.Status != db.OrderStatusOpen {
		t.Fatalf("order=%+v, want open reduce-only", order)
	}
}

func TestMarginSummaryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/margin?address="+testAddress, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var sum position.MarginSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.AccountValue != 100000 {
		t.Fatalf("account value=%v, want 100000", sum.AccountValue)
	}
}

func TestReconcileEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/reconcile/last?user_id=user-1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 before first run", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/reconcile", gin.H{"user_id": "user-1", "address": testAddress})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", w.Code, w.Body.String())
	}
	var report reconciliation.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.UserID != "user-1" {
		t.Fatalf("report=%+v", report)
	}

	w = doJSON(t, s, http.MethodGet, "/api/reconcile/last?user_id=user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 after run", w.Code)
	}
}

func TestMarketSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	s.Cache.SetMids(map[string]float64{"BTC": 50000})
	s.Cache.SetOrderbook(exchange.Orderbook{
		Symbol: "BTC",
		Bids:   []exchange.Level{{Px: 49999, Sz: 1}},
		Asks:   []exchange.Level{{Px: 50001, Sz: 1}},
		Time:   time.Now().UnixMilli(),
	})

	w := doJSON(t, s, http.MethodGet, "/api/market/BTC", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["mid"] != float64(50000) {
		t.Fatalf("mid=%v, want 50000", body["mid"])
	}
	if _, ok := body["orderbook"]; !ok {
		t.Fatal("snapshot missing orderbook")
	}
}
