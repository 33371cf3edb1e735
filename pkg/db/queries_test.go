package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func pendingOrder(id string) Order {
	return Order{
		ID:          id,
		UserID:      "user-1",
		Symbol:      "BTC",
		Side:        "buy",
		OrderType:   "limit",
		Price:       50000,
		Size:        1,
		TimeInForce: "Gtc",
		Status:      OrderStatusPending,
	}
}

func TestOrderLifecycleTransitions(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if err := database.CreateOrder(ctx, pendingOrder("o1")); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := database.MarkOrderOpen(ctx, "o1", 123); err != nil {
		t.Fatalf("MarkOrderOpen: %v", err)
	}
	o, err := database.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != OrderStatusOpen || o.ExchangeOrderID != 123 {
		t.Fatalf("order=%+v, want open with exchange id 123", o)
	}

	if err := database.UpdateOrderFill(ctx, "o1", 0.4); err != nil {
		t.Fatalf("UpdateOrderFill: %v", err)
	}
	o, _ = database.GetOrder(ctx, "o1")
	if o.Status != OrderStatusPartiallyFilled || o.RemainingSize() != 0.6 {
		t.Fatalf("order=%+v, want partially_filled remaining 0.6", o)
	}

	if err := database.MarkOrderFilled(ctx, "o1", 0, 1, time.Now()); err != nil {
		t.Fatalf("MarkOrderFilled: %v", err)
	}
	o, _ = database.GetOrder(ctx, "o1")
	if o.Status != OrderStatusFilled || o.FilledAt == nil || o.ExchangeOrderID != 123 {
		t.Fatalf("order=%+v, want filled keeping exchange id", o)
	}
}

func TestTerminalOrdersNeverChange(t *testing.T) {
	tests := []struct {
		name     string
		finalize func(d *Database, ctx context.Context, id string) error
	}{
		{"filled", func(d *Database, ctx context.Context, id string) error {
			return d.MarkOrderFilled(ctx, id, 1, 1, time.Now())
		}},
		{"cancelled", func(d *Database, ctx context.Context, id string) error {
			return d.MarkOrderCancelled(ctx, id, time.Now())
		}},
		{"failed", func(d *Database, ctx context.Context, id string) error {
			return d.MarkOrderFailed(ctx, id, "rejected by exchange")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := newTestDB(t)
			ctx := context.Background()

			if err := database.CreateOrder(ctx, pendingOrder("o1")); err != nil {
				t.Fatalf("CreateOrder: %v", err)
			}
			if err := tt.finalize(database, ctx, "o1"); err != nil {
				t.Fatalf("finalize: %v", err)
			}

			if err := database.MarkOrderOpen(ctx, "o1", 999); !errors.Is(err, ErrTerminalStatus) {
				t.Fatalf("MarkOrderOpen on terminal order err=%v, want ErrTerminalStatus", err)
			}
			if err := database.MarkOrderCancelled(ctx, "o1", time.Now()); !errors.Is(err, ErrTerminalStatus) {
				t.Fatalf("MarkOrderCancelled on terminal order err=%v, want ErrTerminalStatus", err)
			}
		})
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	database := newTestDB(t)
	if err := database.MarkOrderOpen(context.Background(), "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestUserScopedQueriesRequireUserID(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if _, err := database.ListOpenOrdersByUser(ctx, ""); !errors.Is(err, ErrUserIDRequired) {
		t.Fatalf("ListOpenOrdersByUser: err=%v, want ErrUserIDRequired", err)
	}
	if _, err := database.ListOpenPositionsByUser(ctx, ""); !errors.Is(err, ErrUserIDRequired) {
		t.Fatalf("ListOpenPositionsByUser: err=%v, want ErrUserIDRequired", err)
	}
	if _, err := database.GetOpenPosition(ctx, "", "BTC"); !errors.Is(err, ErrUserIDRequired) {
		t.Fatalf("GetOpenPosition: err=%v, want ErrUserIDRequired", err)
	}
}

func TestSingleOpenPositionPerUserSymbol(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	open := Position{
		UserID: "user-1", Symbol: "BTC", Side: PositionLong,
		Size: 1, EntryPrice: 50000, MarkPrice: 50500, Leverage: 10,
	}
	if err := database.UpsertOpenPosition(ctx, open); err != nil {
		t.Fatalf("UpsertOpenPosition: %v", err)
	}

	// Second upsert updates the open row instead of inserting a sibling.
	open.Size = 2
	open.MarkPrice = 51000
	if err := database.UpsertOpenPosition(ctx, open); err != nil {
		t.Fatalf("second UpsertOpenPosition: %v", err)
	}
	positions, err := database.ListOpenPositionsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListOpenPositionsByUser: %v", err)
	}
	if len(positions) != 1 || positions[0].Size != 2 {
		t.Fatalf("positions=%+v, want single updated row", positions)
	}

	// Closing removes it from the open set; closing twice reports ErrNotFound.
	if err := database.CloseOpenPosition(ctx, "user-1", "BTC", 1000, time.Now()); err != nil {
		t.Fatalf("CloseOpenPosition: %v", err)
	}
	if err := database.CloseOpenPosition(ctx, "user-1", "BTC", 1000, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second close err=%v, want ErrNotFound", err)
	}

	// A fresh open row for the same symbol is allowed after close.
	if err := database.UpsertOpenPosition(ctx, open); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}
