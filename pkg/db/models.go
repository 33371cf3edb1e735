package db

import "time"

// Order statuses. Terminal statuses never change again.
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusFailed          = "failed"
)

// IsTerminalStatus reports whether an order status can never change again.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Position sides.
const (
	PositionLong  = "long"
	PositionShort = "short"
)

// Order is the local ledger record of one order. ID is the immutable
// internal order id; ExchangeOrderID stays 0 until the exchange acknowledges.
type Order struct {
	ID              string
	UserID          string
	Symbol          string
	Side            string // buy/sell
	OrderType       string // limit/market
	Price           float64
	Size            float64
	FilledSize      float64
	TimeInForce     string // Gtc/Ioc/Alo
	ReduceOnly      bool
	PostOnly        bool
	Status          string
	ExchangeOrderID int64
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
}

// RemainingSize returns the unfilled quantity.
func (o *Order) RemainingSize() float64 {
	return o.Size - o.FilledSize
}

// Position is the local ledger record of one perp position. At most one row
// per (UserID, Symbol) has ClosedAt == nil.
type Position struct {
	ID               int64
	UserID           string
	Symbol           string
	Side             string // long/short
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice *float64
	Leverage         float64
	MarginUsed       float64
	UnrealizedPnl    float64
	RealizedPnl      float64
	OpenedAt         time.Time
	ClosedAt         *time.Time
}
