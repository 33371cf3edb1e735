package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-core/internal/events"
	"perp-core/internal/resilience"
	"perp-core/pkg/config"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Service validates, persists, submits and tracks the lifecycle of orders.
// Every exchange call goes through rate limiter -> circuit breaker -> retry.
type Service struct {
	DB      *db.Database
	Client  exchange.Client
	Limiter *resilience.RateLimiter
	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryHandler
	Bus     *events.Bus
	Symbols *config.SymbolTable

	// MarginLeverage is the leverage assumed by the pre-flight margin
	// estimate. The exchange's own margin check remains authoritative.
	MarginLeverage float64

	locks sync.Map // internal order id -> *sync.Mutex
}

// NewService wires an execution service.
func NewService(database *db.Database, client exchange.Client, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry *resilience.RetryHandler, bus *events.Bus, symbols *config.SymbolTable, marginLeverage float64) *Service {
	if symbols == nil {
		symbols = config.DefaultSymbolTable()
	}
	if marginLeverage <= 0 {
		marginLeverage = 10
	}
	return &Service{
		DB:             database,
		Client:         client,
		Limiter:        limiter,
		Breaker:        breaker,
		Retry:          retry,
		Bus:            bus,
		Symbols:        symbols,
		MarginLeverage: marginLeverage,
	}
}

// PlaceOrderParams is the caller-facing order intent.
type PlaceOrderParams struct {
	UserID      string
	Address     string
	Symbol      string
	Side        string // buy/sell
	OrderType   string // limit/market
	Price       float64
	Size        float64
	TimeInForce string // Gtc/Ioc/Alo, optional
	ReduceOnly  bool
	PostOnly    bool
}

// PlaceOrder runs the full pipeline: validate, margin pre-check, durable
// pending write, guarded submit, ledger update. The pending row is written
// before any network call so a crash mid-submit always leaves a trace for
// reconciliation.
func (s *Service) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*db.Order, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}
	if p.ReduceOnly {
		if err := s.checkReduceOnly(ctx, p); err != nil {
			return nil, err
		}
	} else if err := s.checkMargin(ctx, p); err != nil {
		return nil, err
	}

	order := db.Order{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		OrderType:   p.OrderType,
		Price:       p.Price,
		Size:        p.Size,
		TimeInForce: s.effectiveTIF(p),
		ReduceOnly:  p.ReduceOnly,
		PostOnly:    p.PostOnly,
		Status:      db.OrderStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.DB.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist pending order: %w", err)
	}
	s.publish(events.EventOrderSubmitted, order)

	mu := s.lockFor(order.ID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.submit(ctx, order)
	if err != nil {
		s.failBestEffort(ctx, order.ID, classifyMessage(err))
		return nil, err
	}

	updated, err := s.applyAck(ctx, order, res)
	if err != nil {
		return updated, err
	}
	return updated, nil
}

// submit sends the order through the resilience stack.
func (s *Service) submit(ctx context.Context, o db.Order) (*exchange.PlaceOrderResponse, error) {
	req := exchange.OrderRequest{
		Symbol:      o.Symbol,
		Side:        exchange.Side(o.Side),
		Type:        exchange.OrderType(o.OrderType),
		Price:       o.Price,
		Size:        o.Size,
		TimeInForce: exchange.TimeInForce(o.TimeInForce),
		ReduceOnly:  o.ReduceOnly,
		PostOnly:    o.PostOnly,
		ClientID:    o.ID,
	}
	var res *exchange.PlaceOrderResponse
	err := s.Limiter.Execute(ctx, 1, func(ctx context.Context) error {
		return s.Breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Retry.Execute(ctx, "place order", func(ctx context.Context) error {
				r, err := s.Client.PlaceOrder(ctx, req)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applyAck parses the exchange response and writes the final status.
func (s *Service) applyAck(ctx context.Context, o db.Order, res *exchange.PlaceOrderResponse) (*db.Order, error) {
	if !res.OK() {
		msg := "rejected by exchange"
		s.failBestEffort(ctx, o.ID, msg)
		return s.reload(ctx, o.ID), &ExchangeRejectionError{Reason: res.Status}
	}
	ack, err := res.FirstAck()
	if err != nil {
		s.failBestEffort(ctx, o.ID, "unexpected exchange response")
		return s.reload(ctx, o.ID), err
	}

	switch {
	case ack.Error != "":
		s.failBestEffort(ctx, o.ID, ack.Error)
		s.publish(events.EventOrderRejected, ack.Error)
		return s.reload(ctx, o.ID), &ExchangeRejectionError{Reason: ack.Error}
	case ack.Filled != nil:
		filled, perr := exchange.ParseFloat("totalSz", ack.Filled.TotalSz)
		if perr != nil {
			filled = o.Size
		}
		if err := s.DB.MarkOrderFilled(ctx, o.ID, ack.Filled.Oid, filled, time.Now()); err != nil {
			log.Printf("executor: mark filled %s error: %v", o.ID, err)
		}
		updated := s.reload(ctx, o.ID)
		s.publish(events.EventOrderAccepted, *updated)
		s.publish(events.EventOrderFilled, *updated)
		return updated, nil
	case ack.Resting != nil:
		if err := s.DB.MarkOrderOpen(ctx, o.ID, ack.Resting.Oid); err != nil {
			log.Printf("executor: mark open %s error: %v", o.ID, err)
		}
		updated := s.reload(ctx, o.ID)
		s.publish(events.EventOrderAccepted, *updated)
		return updated, nil
	default:
		s.failBestEffort(ctx, o.ID, "unexpected exchange response")
		return s.reload(ctx, o.ID), &exchange.ParseError{What: "order ack", Reason: "no resting/filled/error field"}
	}
}

// CancelOrder cancels one open order on the exchange and, only on exchange
// confirmation, marks it cancelled locally.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	mu := s.lockFor(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.DB.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return &ValidationError{Code: CodeInvalidUser, Message: "order belongs to another user"}
	}
	if o.Status != db.OrderStatusOpen && o.Status != db.OrderStatusPartiallyFilled {
		return fmt.Errorf("order %s is %s, not cancellable", orderID, o.Status)
	}
	if o.ExchangeOrderID == 0 {
		return fmt.Errorf("order %s has no exchange order id yet", orderID)
	}

	var res *exchange.CancelResponse
	err = s.Limiter.Execute(ctx, 1, func(ctx context.Context) error {
		return s.Breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Retry.Execute(ctx, "cancel order", func(ctx context.Context) error {
				r, err := s.Client.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
		})
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return &ExchangeRejectionError{Reason: "cancel not confirmed: " + res.Status}
	}

	if err := s.DB.MarkOrderCancelled(ctx, orderID, time.Now()); err != nil {
		return err
	}
	if updated := s.reload(ctx, orderID); updated != nil {
		s.publish(events.EventOrderCancelled, *updated)
	}
	return nil
}

// CancelAllOrders cancels every open order for (user, symbol) with one
// exchange call.
func (s *Service) CancelAllOrders(ctx context.Context, userID, symbol string) (int, error) {
	open, err := s.DB.ListOpenOrdersByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var targets []db.Order
	for _, o := range open {
		if o.Symbol == symbol && o.ExchangeOrderID != 0 && o.Status != db.OrderStatusPending {
			targets = append(targets, o)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	var res *exchange.CancelResponse
	err = s.Limiter.Execute(ctx, 1, func(ctx context.Context) error {
		return s.Breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Retry.Execute(ctx, "cancel all", func(ctx context.Context) error {
				r, err := s.Client.CancelAllOrders(ctx, symbol)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
		})
	})
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, &ExchangeRejectionError{Reason: "cancel all not confirmed: " + res.Status}
	}

	now := time.Now()
	cancelled := 0
	for _, o := range targets {
		if err := s.DB.MarkOrderCancelled(ctx, o.ID, now); err != nil {
			log.Printf("executor: mark cancelled %s error: %v", o.ID, err)
			continue
		}
		cancelled++
		if updated := s.reload(ctx, o.ID); updated != nil {
			s.publish(events.EventOrderCancelled, *updated)
		}
	}
	return cancelled, nil
}

func (s *Service) validate(p PlaceOrderParams) error {
	if p.UserID == "" {
		return &ValidationError{Code: CodeInvalidUser, Message: "user id required"}
	}
	if p.Symbol == "" {
		return &ValidationError{Code: CodeInvalidSymbol, Message: "symbol required"}
	}
	if p.Side != string(exchange.SideBuy) && p.Side != string(exchange.SideSell) {
		return &ValidationError{Code: CodeInvalidSide, Message: fmt.Sprintf("side must be buy or sell, got %q", p.Side)}
	}
	if p.OrderType != string(exchange.OrderTypeLimit) && p.OrderType != string(exchange.OrderTypeMarket) {
		return &ValidationError{Code: CodeInvalidOrderType, Message: fmt.Sprintf("order type must be limit or market, got %q", p.OrderType)}
	}
	if p.Size <= 0 {
		return &ValidationError{Code: CodeInvalidSize, Message: "size must be positive"}
	}
	if p.OrderType == string(exchange.OrderTypeLimit) && p.Price <= 0 {
		return &ValidationError{Code: CodeInvalidPrice, Message: "limit orders require a positive price"}
	}
	if p.TimeInForce != "" {
		switch exchange.TimeInForce(p.TimeInForce) {
		case exchange.TIFGtc, exchange.TIFIoc, exchange.TIFAlo:
		default:
			return &ValidationError{Code: CodeInvalidTimeInForce, Message: fmt.Sprintf("time in force must be Gtc, Ioc or Alo, got %q", p.TimeInForce)}
		}
	}
	if !addressPattern.MatchString(p.Address) {
		return &ValidationError{Code: CodeInvalidAddress, Message: "address must be a 0x-prefixed 40-hex-char string"}
	}
	if min := s.Symbols.Meta(p.Symbol).MinSize; p.Size < min {
		return &ValidationError{Code: CodeSizeTooSmall, Message: fmt.Sprintf("size %v below minimum %v for %s", p.Size, min, p.Symbol)}
	}
	return nil
}

// checkMargin estimates required margin from order notional under the
// configured leverage assumption. When the account snapshot cannot be
// fetched it logs and proceeds: final enforcement belongs to the exchange.
func (s *Service) checkMargin(ctx context.Context, p PlaceOrderParams) error {
	price := p.Price
	if p.OrderType == string(exchange.OrderTypeMarket) {
		mids, err := s.Client.GetAllMids(ctx)
		if err != nil {
			log.Printf("executor: mids unavailable for margin check, proceeding: %v", err)
			return nil
		}
		mid, err := exchange.ParseFloat("mid", mids[p.Symbol])
		if err != nil || mid == 0 {
			log.Printf("executor: no mid for %s, skipping margin check", p.Symbol)
			return nil
		}
		price = mid
	}

	st, err := s.Client.GetUserState(ctx, p.Address)
	if err != nil {
		log.Printf("executor: user state unavailable for margin check, proceeding: %v", err)
		return nil
	}
	accountValue, err := exchange.ParseFloat("accountValue", st.MarginSummary.AccountValue)
	if err != nil {
		log.Printf("executor: %v, skipping margin check", err)
		return nil
	}
	marginUsed, err := exchange.ParseFloat("totalMarginUsed", st.MarginSummary.TotalMarginUsed)
	if err != nil {
		log.Printf("executor: %v, skipping margin check", err)
		return nil
	}

	required := price * p.Size / s.MarginLeverage
	available := accountValue - marginUsed
	if required > available {
		return &InsufficientMarginError{Required: required, Available: available}
	}
	return nil
}

// checkReduceOnly requires an opposing open position large enough to absorb
// the order.
func (s *Service) checkReduceOnly(ctx context.Context, p PlaceOrderParams) error {
	pos, err := s.DB.GetOpenPosition(ctx, p.UserID, p.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		return &NoPositionError{Symbol: p.Symbol}
	}
	if err != nil {
		return err
	}
	closingSide := db.PositionShort // a buy reduces a short
	if p.Side == string(exchange.SideSell) {
		closingSide = db.PositionLong
	}
	if pos.Side != closingSide {
		return &InvalidReduceOnlyError{Reason: fmt.Sprintf("%s order cannot reduce a %s position", p.Side, pos.Side)}
	}
	if p.Size > pos.Size {
		return &InvalidReduceOnlyError{Reason: fmt.Sprintf("size %v exceeds position size %v", p.Size, pos.Size)}
	}
	return nil
}

func (s *Service) effectiveTIF(p PlaceOrderParams) string {
	if p.PostOnly {
		return string(exchange.TIFAlo)
	}
	if p.TimeInForce != "" {
		return p.TimeInForce
	}
	return string(exchange.TIFGtc)
}

// failBestEffort writes a failed status; when the write itself fails the
// order stays pending for the reconciliation service to catch.
func (s *Service) failBestEffort(ctx context.Context, orderID, message string) {
	if err := s.DB.MarkOrderFailed(ctx, orderID, message); err != nil {
		log.Printf("executor: could not mark order %s failed (left pending for reconciliation): %v", orderID, err)
	}
	s.publish(events.EventOrderRejected, message)
}

func (s *Service) reload(ctx context.Context, orderID string) *db.Order {
	o, err := s.DB.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("executor: reload order %s error: %v", orderID, err)
		return nil
	}
	return o
}

func (s *Service) lockFor(orderID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) publish(e events.Event, payload any) {
	if s.Bus != nil {
		s.Bus.Publish(e, payload)
	}
}

// classifyMessage maps infrastructure errors to short user-visible reasons.
func classifyMessage(err error) string {
	var open *resilience.CircuitOpenError
	var exhausted *resilience.RetryExhaustedError
	var rejection *ExchangeRejectionError
	switch {
	case errors.Is(err, resilience.ErrQueueFull):
		return "rate limited, try again later"
	case errors.As(err, &open):
		return "exchange temporarily unavailable"
	case errors.As(err, &exhausted):
		return "exchange temporarily unavailable"
	case errors.As(err, &rejection):
		return rejection.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "exchange request timed out"
	default:
		return "order submission failed"
	}
}
