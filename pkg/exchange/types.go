package exchange

import (
	"fmt"
	"strconv"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce captures TIF semantics as the exchange names them.
type TimeInForce string

const (
	TIFGtc TimeInForce = "Gtc" // Good Till Cancelled
	TIFIoc TimeInForce = "Ioc" // Immediate Or Cancel
	TIFAlo TimeInForce = "Alo" // Add Liquidity Only (post only)
)

// OrderRequest captures an order intent to be sent to the exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Price       float64 // required for limit
	Size        float64
	TimeInForce TimeInForce
	ReduceOnly  bool
	PostOnly    bool
	ClientID    string // internal order id echoed back by the exchange
}

// MarginSummary is the account-level margin snapshot. Numeric fields arrive
// as decimal strings on the wire.
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
	TotalNtlPos     string `json:"totalNtlPos"`
}

// Leverage describes the leverage applied to one asset position.
type Leverage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// AssetPosition is one live perp position as the exchange reports it.
// Szi is signed size: positive long, negative short.
type AssetPosition struct {
	Coin          string   `json:"coin"`
	Szi           string   `json:"szi"`
	EntryPx       string   `json:"entryPx"`
	PositionValue string   `json:"positionValue"`
	UnrealizedPnl string   `json:"unrealizedPnl"`
	LiquidationPx string   `json:"liquidationPx"`
	MarginUsed    string   `json:"marginUsed"`
	Leverage      Leverage `json:"leverage"`
}

// WrappedPosition mirrors the exchange's assetPositions envelope.
type WrappedPosition struct {
	Type     string        `json:"type"`
	Position AssetPosition `json:"position"`
}

// UserState is the authoritative account snapshot.
type UserState struct {
	MarginSummary  MarginSummary     `json:"marginSummary"`
	AssetPositions []WrappedPosition `json:"assetPositions"`
}

// RestingAck acknowledges an order resting on the book.
type RestingAck struct {
	Oid int64 `json:"oid"`
}

// FilledAck acknowledges an immediately filled order.
type FilledAck struct {
	Oid     int64  `json:"oid"`
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
}

// OrderAck is one per-order entry in a place/cancel response. Exactly one of
// the fields is populated.
type OrderAck struct {
	Resting *RestingAck `json:"resting,omitempty"`
	Filled  *FilledAck  `json:"filled,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PlaceOrderResponse is the exchange's place-order envelope.
type PlaceOrderResponse struct {
	Status   string `json:"status"` // "ok" on success
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []OrderAck `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// OK reports whether the envelope itself was accepted.
func (r *PlaceOrderResponse) OK() bool { return r != nil && r.Status == "ok" }

// FirstAck returns the single per-order ack, failing loudly when the
// envelope shape is unexpected.
func (r *PlaceOrderResponse) FirstAck() (OrderAck, error) {
	if r == nil {
		return OrderAck{}, &ParseError{What: "place order response", Reason: "nil response"}
	}
	statuses := r.Response.Data.Statuses
	if len(statuses) == 0 {
		return OrderAck{}, &ParseError{What: "place order response", Reason: "no statuses in ack"}
	}
	return statuses[0], nil
}

// CancelResponse is the exchange's cancel envelope.
type CancelResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []string `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// OK reports whether the cancel was accepted.
func (r *CancelResponse) OK() bool { return r != nil && r.Status == "ok" }

// OrderStatusResult is the exchange-side view of one historical order.
type OrderStatusResult struct {
	Found      bool
	Status     string // open, filled, canceled, rejected, marginCanceled
	FilledSize float64
}

// Orderbook is one orderbook snapshot.
type Orderbook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Time   int64 // exchange timestamp, ms
}

// Level is one price level.
type Level struct {
	Px float64
	Sz float64
}

// Trade is one public trade print.
type Trade struct {
	Symbol string
	Px     float64
	Sz     float64
	Side   Side
	Time   int64 // ms
	TID    int64
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol   string
	Interval string
	OpenTime int64 // ms, identifies the bar
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// ParseError reports an exchange payload that did not match the expected shape.
type ParseError struct {
	What   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.What, e.Reason)
}

// ParseFloat converts a wire decimal string, naming the field on failure.
func ParseFloat(field, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ParseError{What: field, Reason: fmt.Sprintf("bad decimal %q", s)}
	}
	return f, nil
}
