package position

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"perp-core/internal/events"
	"perp-core/internal/execution"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
)

const testAddress = "0x2222222222222222222222222222222222222222"

type fakeClient struct {
	userState  *exchange.UserState
	stateCalls atomic.Int64
	placeRes   *exchange.PlaceOrderResponse
	lastOrder  exchange.OrderRequest
}

func (f *fakeClient) GetUserState(ctx context.Context, address string) (*exchange.UserState, error) {
	f.stateCalls.Add(1)
	if f.userState == nil {
		return &exchange.UserState{}, nil
	}
	return f.userState, nil
}

func (f *fakeClient) GetAllMids(ctx context.Context) (map[string]string, error) {
	return map[string]string{"BTC": "50000"}, nil
}

func (f *fakeClient) GetOrderStatus(ctx context.Context, address string, oid int64) (*exchange.OrderStatusResult, error) {
	return &exchange.OrderStatusResult{Found: false}, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.PlaceOrderResponse, error) {
	f.lastOrder = req
	return f.placeRes, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol string, oid int64) (*exchange.CancelResponse, error) {
	return &exchange.CancelResponse{Status: "ok"}, nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) (*exchange.CancelResponse, error) {
	return &exchange.CancelResponse{Status: "ok"}, nil
}

func newTestService(t *testing.T, client *fakeClient) (*Service, *db.Database, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{RequestsPerSecond: 1000, BurstCapacity: 1000, MaxQueueSize: 10})
	t.Cleanup(limiter.Shutdown)
	breaker := resilience.NewCircuitBreaker("exchange", resilience.DefaultBreakerConfig())
	retry := resilience.NewRetryHandler(resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2})
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	exec := execution.NewService(database, client, limiter, breaker, retry, bus, nil, 10)
	svc := NewService(database, client, limiter, breaker, retry, bus, exec, time.Hour)
	return svc, database, bus
}

func longBTC(szi, entry string) exchange.WrappedPosition {
	return exchange.WrappedPosition{
		Type: "oneWay",
		Position: exchange.AssetPosition{
			Coin:          "BTC",
			Szi:           szi,
			EntryPx:       entry,
			PositionValue: "51000",
			UnrealizedPnl: "1000",
			LiquidationPx: "46500",
			MarginUsed:    "5000",
			Leverage:      exchange.Leverage{Type: "cross", Value: 10},
		},
	}
}

func TestSyncUserPositionsUpserts(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{
		AssetPositions: []exchange.WrappedPosition{longBTC("1", "50000")},
	}}
	svc, database, _ := newTestService(t, client)

	n, err := svc.SyncUserPositions(context.Background(), "user-1", testAddress)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Fatalf("live=%d, want 1", n)
	}

	pos, err := database.GetOpenPosition(context.Background(), "user-1", "BTC")
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if pos.Side != db.PositionLong || pos.Size != 1 || pos.EntryPrice != 50000 {
		t.Fatalf("pos=%+v", pos)
	}
	if pos.MarkPrice != 51000 || pos.UnrealizedPnl != 1000 {
		t.Fatalf("mark=%v pnl=%v, want 51000/1000", pos.MarkPrice, pos.UnrealizedPnl)
	}
	if pos.LiquidationPrice == nil || *pos.LiquidationPrice != 46500 {
		t.Fatalf("liq=%v, want 46500", pos.LiquidationPrice)
	}

	// Same snapshot again updates in place, never duplicates.
	if _, err := svc.SyncUserPositions(context.Background(), "user-1", testAddress); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	open, _ := database.ListOpenPositionsByUser(context.Background(), "user-1")
	if len(open) != 1 {
		t.Fatalf("open=%d, want 1", len(open))
	}
}

func TestSyncUserPositionsShortSide(t *testing.T) {
	wp := longBTC("-2", "50000")
	wp.Position.PositionValue = "98000"
	wp.Position.UnrealizedPnl = "2000"
	wp.Position.LiquidationPx = "53500"
	client := &fakeClient{userState: &exchange.UserState{AssetPositions: []exchange.WrappedPosition{wp}}}
	svc, database, _ := newTestService(t, client)

	if _, err := svc.SyncUserPositions(context.Background(), "user-1", testAddress); err != nil {
		t.Fatalf("sync: %v", err)
	}
	pos, err := database.GetOpenPosition(context.Background(), "user-1", "BTC")
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if pos.Side != db.PositionShort || pos.Size != 2 {
		t.Fatalf("pos=%+v, want short size 2", pos)
	}
	if math.Abs(pos.MarkPrice-49000) > 1e-9 {
		t.Fatalf("mark=%v, want 49000", pos.MarkPrice)
	}
}

func TestSyncUserPositionsClosesVanished(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{
		AssetPositions: []exchange.WrappedPosition{longBTC("1", "50000")},
	}}
	svc, database, bus := newTestService(t, client)
	ctx := context.Background()

	closed, unsub := bus.Subscribe(events.EventPositionClosed, 8)
	defer unsub()

	if _, err := svc.SyncUserPositions(ctx, "user-1", testAddress); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Exchange now reports the account flat.
	client.userState = &exchange.UserState{}
	if _, err := svc.SyncUserPositions(ctx, "user-1", testAddress); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if _, err := database.GetOpenPosition(ctx, "user-1", "BTC"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound after close", err)
	}

	// A third sync against the same flat snapshot emits nothing new.
	if _, err := svc.SyncUserPositions(ctx, "user-1", testAddress); err != nil {
		t.Fatalf("third sync: %v", err)
	}

	got := 0
	for {
		select {
		case <-closed:
			got++
		case <-time.After(50 * time.Millisecond):
			if got != 1 {
				t.Fatalf("close events=%d, want exactly 1", got)
			}
			return
		}
	}
}

func TestSyncUserPositionsSkipsFlatEntries(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{
		AssetPositions: []exchange.WrappedPosition{longBTC("0", "50000")},
	}}
	svc, database, _ := newTestService(t, client)

	n, err := svc.SyncUserPositions(context.Background(), "user-1", testAddress)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 0 {
		t.Fatalf("live=%d, want 0", n)
	}
	if _, err := database.GetOpenPosition(context.Background(), "user-1", "BTC"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestGetMarginSummary(t *testing.T) {
	short := longBTC("-1", "3000")
	short.Position.Coin = "ETH"
	short.Position.UnrealizedPnl = "-250"
	client := &fakeClient{userState: &exchange.UserState{
		MarginSummary: exchange.MarginSummary{
			AccountValue:    "100000",
			TotalMarginUsed: "25000",
			TotalNtlPos:     "250000",
		},
		AssetPositions: []exchange.WrappedPosition{longBTC("1", "50000"), short},
	}}
	svc, _, _ := newTestService(t, client)

	sum, err := svc.GetMarginSummary(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("GetMarginSummary: %v", err)
	}
	if sum.AccountValue != 100000 || sum.TotalMarginUsed != 25000 || sum.TotalNotional != 250000 {
		t.Fatalf("summary=%+v", sum)
	}
	if sum.MarginRatio != 25 {
		t.Fatalf("ratio=%v, want 25 percent", sum.MarginRatio)
	}
	if sum.AvailableMargin != 75000 {
		t.Fatalf("available=%v, want 75000", sum.AvailableMargin)
	}
	if sum.TotalUnrealizedPnl != 750 {
		t.Fatalf("pnl=%v, want 1000-250=750", sum.TotalUnrealizedPnl)
	}
}

func TestGetMarginSummaryUnderwaterAccount(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{
		MarginSummary: exchange.MarginSummary{
			AccountValue:    "4000",
			TotalMarginUsed: "5000",
		},
	}}
	svc, _, _ := newTestService(t, client)

	sum, err := svc.GetMarginSummary(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("GetMarginSummary: %v", err)
	}
	if sum.AvailableMargin != -1000 {
		t.Fatalf("available=%v, want -1000 (no clamp)", sum.AvailableMargin)
	}
	if sum.MarginRatio != 125 {
		t.Fatalf("ratio=%v, want 125 percent", sum.MarginRatio)
	}
}

func TestGetMarginSummaryEmptyAccount(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{}}
	svc, _, _ := newTestService(t, client)

	sum, err := svc.GetMarginSummary(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("GetMarginSummary: %v", err)
	}
	if sum.MarginRatio != 0 {
		t.Fatalf("ratio=%v, want 0 for empty account", sum.MarginRatio)
	}
}

func TestClosePositionSubmitsReduceOnlyMarket(t *testing.T) {
	placeRes := &exchange.PlaceOrderResponse{Status: "ok"}
	placeRes.Response.Data.Statuses = []exchange.OrderAck{{Filled: &exchange.FilledAck{Oid: 7, TotalSz: "1", AvgPx: "50000"}}}
	client := &fakeClient{
		userState: &exchange.UserState{AssetPositions: []exchange.WrappedPosition{longBTC("1", "50000")}},
		placeRes:  placeRes,
	}
	svc, _, _ := newTestService(t, client)
	ctx := context.Background()

	if _, err := svc.SyncUserPositions(ctx, "user-1", testAddress); err != nil {
		t.Fatalf("sync: %v", err)
	}
	o, err := svc.ClosePosition(ctx, "user-1", testAddress, "BTC", CloseParams{})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if o.Status != db.OrderStatusFilled {
		t.Fatalf("status=%s, want filled", o.Status)
	}
	if client.lastOrder.Side != exchange.SideSell || !client.lastOrder.ReduceOnly || client.lastOrder.Type != exchange.OrderTypeMarket {
		t.Fatalf("request=%+v, want reduce-only market sell", client.lastOrder)
	}
	if client.lastOrder.Size != 1 {
		t.Fatalf("size=%v, want full position size", client.lastOrder.Size)
	}
}

func TestClosePositionWithoutPosition(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{}}
	svc, _, _ := newTestService(t, client)

	if _, err := svc.ClosePosition(context.Background(), "user-1", testAddress, "BTC", CloseParams{}); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestClosePositionSubmitsReduceOnlyLimit(t *testing.T) {
	placeRes := &exchange.PlaceOrderResponse{Status: "ok"}
	placeRes.Response.Data.Statuses = []exchange.OrderAck{{Resting: &exchange.RestingAck{Oid: 8}}}
	client := &fakeClient{
		userState: &exchange.UserState{AssetPositions: []exchange.WrappedPosition{longBTC("1", "50000")}},
		placeRes:  placeRes,
	}
	svc, _, _ := newTestService(t, client)
	ctx := context.Background()

	if _, err := svc.SyncUserPositions(ctx, "user-1", testAddress); err != nil {
		t.Fatalf("sync: %v", err)
	}
	o, err := svc.ClosePosition(ctx, "user-1", testAddress, "BTC", CloseParams{
		OrderType:  string(exchange.OrderTypeLimit),
		LimitPrice: 52000,
	})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if o.Status != db.OrderStatusOpen {
		t.Fatalf("status=%s, want open for resting limit", o.Status)
	}
	if client.lastOrder.Type != exchange.OrderTypeLimit || client.lastOrder.Price != 52000 {
		t.Fatalf("request=%+v, want limit at 52000", client.lastOrder)
	}
	if client.lastOrder.TimeInForce != exchange.TIFGtc {
		t.Fatalf("tif=%s, want Gtc", client.lastOrder.TimeInForce)
	}
	if client.lastOrder.Side != exchange.SideSell || !client.lastOrder.ReduceOnly {
		t.Fatalf("request=%+v, want reduce-only sell", client.lastOrder)
	}
}

func TestPollingLifecycle(t *testing.T) {
	client := &fakeClient{userState: &exchange.UserState{}}
	svc, _, _ := newTestService(t, client)

	// A restart replaces the prior timer, so the hour-long first interval
	// never fires.
	svc.StartPolling("user-1", testAddress, time.Hour)
	svc.StartPolling("user-1", testAddress, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for client.stateCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if client.stateCalls.Load() == 0 {
		t.Fatal("poll loop never fetched user state")
	}

	svc.StopPolling("user-1")
	svc.StopPolling("user-1")
	svc.Shutdown()
}
