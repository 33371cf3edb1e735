package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"perp-core/internal/events"
	"perp-core/internal/execution"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
)

// Service mirrors exchange positions into the local ledger and exposes
// account-level margin views. The exchange snapshot is the source of truth;
// the ledger is a durable cache of it.
type Service struct {
	DB      *db.Database
	Client  exchange.Client
	Limiter *resilience.RateLimiter
	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryHandler
	Bus     *events.Bus
	Exec    *execution.Service

	MaintenanceMarginRate float64
	PollInterval          time.Duration

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires a position service.
func NewService(database *db.Database, client exchange.Client, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry *resilience.RetryHandler, bus *events.Bus, exec *execution.Service, pollInterval time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Service{
		DB:                    database,
		Client:                client,
		Limiter:               limiter,
		Breaker:               breaker,
		Retry:                 retry,
		Bus:                   bus,
		Exec:                  exec,
		MaintenanceMarginRate: DefaultMaintenanceMarginRate,
		PollInterval:          pollInterval,
		pollers:               make(map[string]context.CancelFunc),
	}
}

// MarginSummary is the account-level margin view served to callers.
// MarginRatio is totalMarginUsed/accountValue as a percentage.
type MarginSummary struct {
	AccountValue       float64 `json:"account_value"`
	TotalMarginUsed    float64 `json:"total_margin_used"`
	TotalNotional      float64 `json:"total_notional"`
	TotalUnrealizedPnl float64 `json:"total_unrealized_pnl"`
	AvailableMargin    float64 `json:"available_margin"`
	MarginRatio        float64 `json:"margin_ratio"`
}

// SyncUserPositions pulls the exchange snapshot and reconciles the local
// ledger to it: upserts every live position, closes local rows the exchange
// no longer reports. Returns the number of live positions after the sync.
func (s *Service) SyncUserPositions(ctx context.Context, userID, address string) (int, error) {
	st, err := s.fetchUserState(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("fetch user state: %w", err)
	}

	live := make(map[string]bool)
	count := 0
	for _, wrapped := range st.AssetPositions {
		pos, err := s.toLedgerPosition(userID, wrapped.Position)
		if err != nil {
			log.Printf("position: skipping %s: %v", wrapped.Position.Coin, err)
			continue
		}
		if pos == nil {
			continue // flat
		}
		if err := s.DB.UpsertOpenPosition(ctx, *pos); err != nil {
			return count, fmt.Errorf("upsert %s: %w", pos.Symbol, err)
		}
		live[pos.Symbol] = true
		count++
		s.publish(events.EventPositionUpdate, *pos)
	}

	local, err := s.DB.ListOpenPositionsByUser(ctx, userID)
	if err != nil {
		return count, err
	}
	for _, p := range local {
		if live[p.Symbol] {
			continue
		}
		// Last marked pnl becomes realized; the exchange does not report
		// the closing fill here.
		err := s.DB.CloseOpenPosition(ctx, userID, p.Symbol, p.UnrealizedPnl, time.Now())
		if errors.Is(err, db.ErrNotFound) {
			continue // closed by a concurrent sync
		}
		if err != nil {
			return count, fmt.Errorf("close %s: %w", p.Symbol, err)
		}
		s.publish(events.EventPositionClosed, p)
	}
	return count, nil
}

// toLedgerPosition converts one exchange position to a ledger row. A zero
// signed size means flat and maps to nil.
func (s *Service) toLedgerPosition(userID string, ap exchange.AssetPosition) (*db.Position, error) {
	szi, err := exchange.ParseFloat("szi", ap.Szi)
	if err != nil {
		return nil, err
	}
	if szi == 0 {
		return nil, nil
	}
	entry, err := exchange.ParseFloat("entryPx", ap.EntryPx)
	if err != nil {
		return nil, err
	}

	side := db.PositionLong
	if szi < 0 {
		side = db.PositionShort
	}
	size := math.Abs(szi)

	leverage := float64(ap.Leverage.Value)
	if leverage <= 0 {
		leverage = 1
	}

	markPrice := entry
	if notional, err := exchange.ParseFloat("positionValue", ap.PositionValue); err == nil && notional > 0 && size > 0 {
		markPrice = notional / size
	}

	pnl, err := exchange.ParseFloat("unrealizedPnl", ap.UnrealizedPnl)
	if err != nil || ap.UnrealizedPnl == "" {
		pnl = UnrealizedPnl(side, entry, markPrice, size)
	}

	marginUsed, err := exchange.ParseFloat("marginUsed", ap.MarginUsed)
	if err != nil || marginUsed == 0 {
		marginUsed = MarginRequired(size, entry, leverage)
	}

	var liq *float64
	if px, err := exchange.ParseFloat("liquidationPx", ap.LiquidationPx); err == nil && px > 0 {
		liq = &px
	} else if est := EstimateLiquidationPrice(side, entry, leverage, s.MaintenanceMarginRate); est > 0 {
		liq = &est
	}

	return &db.Position{
		UserID:           userID,
		Symbol:           ap.Coin,
		Side:             side,
		Size:             size,
		EntryPrice:       entry,
		MarkPrice:        markPrice,
		LiquidationPrice: liq,
		Leverage:         leverage,
		MarginUsed:       marginUsed,
		UnrealizedPnl:    pnl,
	}, nil
}

// GetMarginSummary returns the live account margin view. MarginRatio is a
// percentage, zero for an empty account rather than a division by zero.
// AvailableMargin goes negative when the account is under water.
func (s *Service) GetMarginSummary(ctx context.Context, address string) (*MarginSummary, error) {
	st, err := s.fetchUserState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch user state: %w", err)
	}
	accountValue, err := exchange.ParseFloat("accountValue", st.MarginSummary.AccountValue)
	if err != nil {
		return nil, err
	}
	marginUsed, err := exchange.ParseFloat("totalMarginUsed", st.MarginSummary.TotalMarginUsed)
	if err != nil {
		return nil, err
	}
	notional, err := exchange.ParseFloat("totalNtlPos", st.MarginSummary.TotalNtlPos)
	if err != nil {
		return nil, err
	}

	totalPnl := 0.0
	for _, wrapped := range st.AssetPositions {
		pnl, err := exchange.ParseFloat("unrealizedPnl", wrapped.Position.UnrealizedPnl)
		if err != nil {
			continue
		}
		totalPnl += pnl
	}

	summary := &MarginSummary{
		AccountValue:       accountValue,
		TotalMarginUsed:    marginUsed,
		TotalNotional:      notional,
		TotalUnrealizedPnl: totalPnl,
		AvailableMargin:    accountValue - marginUsed,
	}
	if accountValue > 0 {
		summary.MarginRatio = marginUsed / accountValue * 100
	}
	return summary, nil
}

// GetPosition returns the open ledger position for (user, symbol).
func (s *Service) GetPosition(ctx context.Context, userID, symbol string) (*db.Position, error) {
	return s.DB.GetOpenPosition(ctx, userID, symbol)
}

// ListPositions returns all open ledger positions for a user.
func (s *Service) ListPositions(ctx context.Context, userID string) ([]db.Position, error) {
	return s.DB.ListOpenPositionsByUser(ctx, userID)
}

// CloseParams selects how a position is closed: market (the default), or a
// resting limit at LimitPrice.
type CloseParams struct {
	OrderType  string // market (default) or limit
	LimitPrice float64
}

// ClosePosition submits a reduce-only order for the full position size,
// market by default or limit Gtc at the given price. The ledger row is
// closed by the next sync once the exchange confirms the position is flat,
// not here.
func (s *Service) ClosePosition(ctx context.Context, userID, address, symbol string, p CloseParams) (*db.Order, error) {
	orderType := p.OrderType
	if orderType == "" {
		orderType = string(exchange.OrderTypeMarket)
	}

	pos, err := s.DB.GetOpenPosition(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	side := string(exchange.SideSell)
	if pos.Side == db.PositionShort {
		side = string(exchange.SideBuy)
	}

	params := execution.PlaceOrderParams{
		UserID:     userID,
		Address:    address,
		Symbol:     symbol,
		Side:       side,
		OrderType:  orderType,
		Size:       pos.Size,
		ReduceOnly: true,
	}
	if orderType == string(exchange.OrderTypeLimit) {
		params.Price = p.LimitPrice
		params.TimeInForce = string(exchange.TIFGtc)
	}
	return s.Exec.PlaceOrder(ctx, params)
}

// StartPolling begins periodic position sync for one user at the given
// interval (the service default when zero). Restarting an already-polled
// user clears the prior timer and starts fresh.
func (s *Service) StartPolling(userID, address string, interval time.Duration) {
	if interval <= 0 {
		interval = s.PollInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pollers[userID]; ok {
		cancel()
		delete(s.pollers, userID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[userID] = cancel
	s.wg.Add(1)
	go s.pollLoop(ctx, userID, address, interval)
	log.Printf("position: polling started for %s every %s", userID, interval)
}

// StopPolling stops the sync loop for one user. Idempotent.
func (s *Service) StopPolling(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pollers[userID]; ok {
		cancel()
		delete(s.pollers, userID)
	}
}

// Shutdown stops every poller and waits for the loops to exit.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for userID, cancel := range s.pollers {
		cancel()
		delete(s.pollers, userID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) pollLoop(ctx context.Context, userID, address string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncUserPositions(ctx, userID, address); err != nil && ctx.Err() == nil {
				log.Printf("position: sync %s error: %v", userID, err)
			}
		}
	}
}

// fetchUserState reads the account snapshot through the resilience stack.
func (s *Service) fetchUserState(ctx context.Context, address string) (*exchange.UserState, error) {
	var st *exchange.UserState
	err := s.Limiter.Execute(ctx, 1, func(ctx context.Context) error {
		return s.Breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Retry.Execute(ctx, "user state", func(ctx context.Context) error {
				r, err := s.Client.GetUserState(ctx, address)
				if err != nil {
					return err
				}
				st = r
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) publish(e events.Event, payload any) {
	if s.Bus != nil {
		s.Bus.Publish(e, payload)
	}
}
