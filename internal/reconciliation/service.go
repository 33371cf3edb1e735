package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"perp-core/internal/events"
	"perp-core/internal/resilience"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
)

// Discrepancy categories.
const (
	DiscrepancyOrderStatus = "order_status"
	DiscrepancyFill        = "fill"
	DiscrepancyPosition    = "position"
	DiscrepancyBalance     = "balance"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// sizeEpsilon absorbs decimal-string rounding between ledger and exchange.
const sizeEpsilon = 1e-8

// Discrepancy is one divergence between the local ledger and the exchange.
type Discrepancy struct {
	Type            string    `json:"type"`
	Severity        string    `json:"severity"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol,omitempty"`
	OrderID         string    `json:"order_id,omitempty"`
	ExchangeOrderID int64     `json:"exchange_order_id,omitempty"`
	Local           string    `json:"local"`
	Remote          string    `json:"remote"`
	Detail          string    `json:"detail"`
	Resolved        bool      `json:"resolved"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Report summarizes one reconciliation pass for one user.
type Report struct {
	UserID             string        `json:"user_id"`
	OrdersChecked      int           `json:"orders_checked"`
	PositionsChecked   int           `json:"positions_checked"`
	DiscrepanciesFound int           `json:"discrepancies_found"`
	Discrepancies      []Discrepancy `json:"discrepancies"`
	Duration           time.Duration `json:"duration"`
	RanAt              time.Time     `json:"ran_at"`
}

// Service periodically audits the local ledger against the exchange. With
// AutoSync on, safe divergences are corrected toward the exchange, which is
// always the source of truth. Critical divergences are reported, never
// auto-corrected.
type Service struct {
	DB      *db.Database
	Client  exchange.Client
	Limiter *resilience.RateLimiter
	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryHandler
	Bus     *events.Bus

	Interval time.Duration
	AutoSync bool

	mu       sync.Mutex
	accounts map[string]string // userID -> address
	lastRun  map[string]*Report
}

// NewService wires a reconciliation service.
func NewService(database *db.Database, client exchange.Client, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry *resilience.RetryHandler, bus *events.Bus, interval time.Duration, autoSync bool) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		DB:       database,
		Client:   client,
		Limiter:  limiter,
		Breaker:  breaker,
		Retry:    retry,
		Bus:      bus,
		Interval: interval,
		AutoSync: autoSync,
		accounts: make(map[string]string),
		lastRun:  make(map[string]*Report),
	}
}

// Register adds a user account to the periodic audit set.
func (s *Service) Register(userID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID] = address
}

// Unregister removes a user from the audit set.
func (s *Service) Unregister(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, userID)
}

// LastReport returns the most recent report for a user, or nil.
func (s *Service) LastReport(userID string) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[userID]
}

// Start runs the periodic audit until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Printf("reconciler: started, interval=%s auto_sync=%v", s.Interval, s.AutoSync)
	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.mu.Lock()
	accounts := make(map[string]string, len(s.accounts))
	for id, addr := range s.accounts {
		accounts[id] = addr
	}
	s.mu.Unlock()

	for userID, address := range accounts {
		report, err := s.ReconcileUser(ctx, userID, address)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("reconciler: %s error: %v", userID, err)
			}
			continue
		}
		if report.DiscrepanciesFound > 0 {
			log.Printf("reconciler: %s found %d discrepancies in %s", userID, report.DiscrepanciesFound, report.Duration)
		}
	}
}

// ReconcileUser audits one user's orders and positions against the exchange
// and returns the report. The report is also retained for LastReport.
func (s *Service) ReconcileUser(ctx context.Context, userID, address string) (*Report, error) {
	started := time.Now()
	report := &Report{UserID: userID, RanAt: started}

	if err := s.reconcileOrders(ctx, userID, address, report); err != nil {
		return nil, fmt.Errorf("reconcile orders: %w", err)
	}
	if err := s.reconcilePositions(ctx, userID, address, report); err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}

	report.Duration = time.Since(started)
	report.DiscrepanciesFound = len(report.Discrepancies)

	s.mu.Lock()
	s.lastRun[userID] = report
	s.mu.Unlock()
	return report, nil
}

// reconcileOrders checks non-terminal orders against the exchange, plus the
// recent terminal tail for silent divergence.
func (s *Service) reconcileOrders(ctx context.Context, userID, address string, report *Report) error {
	recent, err := s.DB.GetOrdersByUser(ctx, userID, 100)
	if err != nil {
		return err
	}
	for _, o := range recent {
		if o.ExchangeOrderID == 0 {
			if o.Status == db.OrderStatusPending && time.Since(o.CreatedAt) > time.Minute {
				// Submitted before a crash, never acknowledged.
				d := s.record(report, Discrepancy{
					Type:    DiscrepancyOrderStatus,
					UserID:  userID,
					Symbol:  o.Symbol,
					OrderID: o.ID,
					Local:   o.Status,
					Remote:  "unknown",
					Detail:  "pending order has no exchange id",
				})
				s.autoFail(ctx, o.ID, "stale pending order without exchange id", d)
			}
			continue
		}

		status, err := s.fetchOrderStatus(ctx, address, o.ExchangeOrderID)
		if err != nil {
			return err
		}
		report.OrdersChecked++
		s.compareOrder(ctx, userID, o, status, report)
	}
	return nil
}

// compareOrder classifies one local/remote order pair.
func (s *Service) compareOrder(ctx context.Context, userID string, o db.Order, remote *exchange.OrderStatusResult, report *Report) {
	if !remote.Found {
		if !db.IsTerminalStatus(o.Status) {
			d := s.record(report, Discrepancy{
				Type:            DiscrepancyOrderStatus,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          "not found",
				Detail:          "exchange has no record of this order",
			})
			s.autoFail(ctx, o.ID, "order unknown to exchange", d)
		}
		return
	}

	switch remote.Status {
	case "filled":
		switch o.Status {
		case db.OrderStatusFilled:
			// agree
		case db.OrderStatusOpen, db.OrderStatusPartiallyFilled, db.OrderStatusPending:
			d := s.record(report, Discrepancy{
				Type:            DiscrepancyFill,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          remote.Status,
				Detail:          "exchange filled an order the ledger still holds open",
			})
			if s.AutoSync {
				size := remote.FilledSize
				if size == 0 {
					size = o.Size
				}
				if err := s.DB.MarkOrderFilled(ctx, o.ID, o.ExchangeOrderID, size, time.Now()); err != nil {
					log.Printf("reconciler: sync fill %s error: %v", o.ID, err)
				} else {
					d.Resolved = true
				}
			}
		default:
			// Local says cancelled or failed, exchange says filled. A fill
			// the ledger denies means money moved: operator attention only.
			s.record(report, Discrepancy{
				Type:            DiscrepancyOrderStatus,
				Severity:        SeverityCritical,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          remote.Status,
				Detail:          "terminal states disagree across ledger and exchange",
			})
		}
	case "canceled", "marginCanceled", "rejected":
		switch o.Status {
		case db.OrderStatusCancelled, db.OrderStatusFailed:
			// agree
		case db.OrderStatusFilled:
			s.record(report, Discrepancy{
				Type:            DiscrepancyOrderStatus,
				Severity:        SeverityCritical,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          remote.Status,
				Detail:          "ledger recorded a fill the exchange cancelled",
			})
		default:
			d := s.record(report, Discrepancy{
				Type:            DiscrepancyOrderStatus,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          remote.Status,
				Detail:          "exchange cancelled an order the ledger holds open",
			})
			if s.AutoSync {
				if err := s.DB.MarkOrderCancelled(ctx, o.ID, time.Now()); err != nil {
					log.Printf("reconciler: sync cancel %s error: %v", o.ID, err)
				} else {
					d.Resolved = true
				}
			}
		}
	case "open":
		if db.IsTerminalStatus(o.Status) {
			s.record(report, Discrepancy{
				Type:            DiscrepancyOrderStatus,
				Severity:        SeverityCritical,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           o.Status,
				Remote:          remote.Status,
				Detail:          "exchange still works an order the ledger closed",
			})
			return
		}
		if diff := math.Abs(remote.FilledSize - o.FilledSize); diff > sizeEpsilon {
			d := s.record(report, Discrepancy{
				Type:            DiscrepancyFill,
				UserID:          userID,
				Symbol:          o.Symbol,
				OrderID:         o.ID,
				ExchangeOrderID: o.ExchangeOrderID,
				Local:           fmt.Sprintf("filled %v", o.FilledSize),
				Remote:          fmt.Sprintf("filled %v", remote.FilledSize),
				Detail:          "partial fill progress diverged",
			})
			if s.AutoSync {
				if err := s.DB.UpdateOrderFill(ctx, o.ID, remote.FilledSize); err != nil {
					log.Printf("reconciler: sync partial fill %s error: %v", o.ID, err)
				} else {
					d.Resolved = true
				}
			}
		}
	}
}

// reconcilePositions compares the ledger's open positions with the exchange
// snapshot, and the ledger's margin total with the account summary.
func (s *Service) reconcilePositions(ctx context.Context, userID, address string, report *Report) error {
	st, err := s.fetchUserState(ctx, address)
	if err != nil {
		return err
	}

	remote := make(map[string]exchange.AssetPosition)
	for _, wrapped := range st.AssetPositions {
		szi, err := exchange.ParseFloat("szi", wrapped.Position.Szi)
		if err != nil || szi == 0 {
			continue
		}
		remote[wrapped.Position.Coin] = wrapped.Position
	}

	local, err := s.DB.ListOpenPositionsByUser(ctx, userID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	localMargin := 0.0
	for _, p := range local {
		report.PositionsChecked++
		seen[p.Symbol] = true
		localMargin += p.MarginUsed

		ap, ok := remote[p.Symbol]
		if !ok {
			d := s.record(report, Discrepancy{
				Type:   DiscrepancyPosition,
				UserID: userID,
				Symbol: p.Symbol,
				Local:  fmt.Sprintf("%s %v", p.Side, p.Size),
				Remote: "flat",
				Detail: "ledger holds a position the exchange does not",
			})
			if s.AutoSync {
				if err := s.DB.CloseOpenPosition(ctx, userID, p.Symbol, p.UnrealizedPnl, time.Now()); err != nil {
					log.Printf("reconciler: close %s error: %v", p.Symbol, err)
				} else {
					d.Resolved = true
					s.publish(events.EventPositionClosed, p)
				}
			}
			continue
		}

		szi, _ := exchange.ParseFloat("szi", ap.Szi)
		remoteSide := db.PositionLong
		if szi < 0 {
			remoteSide = db.PositionShort
		}
		remoteSize := math.Abs(szi)
		if p.Side != remoteSide || math.Abs(p.Size-remoteSize) > sizeEpsilon {
			d := s.record(report, Discrepancy{
				Type:   DiscrepancyPosition,
				UserID: userID,
				Symbol: p.Symbol,
				Local:  fmt.Sprintf("%s %v", p.Side, p.Size),
				Remote: fmt.Sprintf("%s %v", remoteSide, remoteSize),
				Detail: "position side or size diverged",
			})
			if s.AutoSync {
				if err := s.syncPosition(ctx, userID, ap); err != nil {
					log.Printf("reconciler: sync position %s error: %v", p.Symbol, err)
				} else {
					d.Resolved = true
				}
			}
		}
	}

	for symbol, ap := range remote {
		if seen[symbol] {
			continue
		}
		report.PositionsChecked++
		szi, _ := exchange.ParseFloat("szi", ap.Szi)
		d := s.record(report, Discrepancy{
			Type:   DiscrepancyPosition,
			UserID: userID,
			Symbol: symbol,
			Local:  "flat",
			Remote: fmt.Sprintf("szi %v", szi),
			Detail: "exchange holds a position the ledger does not",
		})
		if s.AutoSync {
			if err := s.syncPosition(ctx, userID, ap); err != nil {
				log.Printf("reconciler: sync position %s error: %v", symbol, err)
			} else {
				d.Resolved = true
			}
		}
	}

	// Margin totals drift with mark prices, so only gross divergence counts.
	remoteMargin, err := exchange.ParseFloat("totalMarginUsed", st.MarginSummary.TotalMarginUsed)
	if err == nil && len(local) > 0 && remoteMargin > 0 {
		if diff := math.Abs(localMargin - remoteMargin); diff > remoteMargin*0.10 {
			s.record(report, Discrepancy{
				Type:   DiscrepancyBalance,
				UserID: userID,
				Local:  fmt.Sprintf("margin %v", localMargin),
				Remote: fmt.Sprintf("margin %v", remoteMargin),
				Detail: "ledger margin total diverged from account summary",
			})
		}
	}
	return nil
}

// syncPosition rewrites one ledger position from the exchange's view.
func (s *Service) syncPosition(ctx context.Context, userID string, ap exchange.AssetPosition) error {
	szi, err := exchange.ParseFloat("szi", ap.Szi)
	if err != nil {
		return err
	}
	entry, err := exchange.ParseFloat("entryPx", ap.EntryPx)
	if err != nil {
		return err
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
	marginUsed, _ := exchange.ParseFloat("marginUsed", ap.MarginUsed)
	pnl, _ := exchange.ParseFloat("unrealizedPnl", ap.UnrealizedPnl)

	pos := db.Position{
		UserID:        userID,
		Symbol:        ap.Coin,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     entry,
		Leverage:      leverage,
		MarginUsed:    marginUsed,
		UnrealizedPnl: pnl,
	}
	if px, err := exchange.ParseFloat("liquidationPx", ap.LiquidationPx); err == nil && px > 0 {
		pos.LiquidationPrice = &px
	}
	if err := s.DB.UpsertOpenPosition(ctx, pos); err != nil {
		return err
	}
	s.publish(events.EventPositionUpdate, pos)
	return nil
}

// record appends a discrepancy, defaulting severity, and publishes it.
// Returns a pointer into the report so callers can flag resolution.
func (s *Service) record(report *Report, d Discrepancy) *Discrepancy {
	if d.Severity == "" {
		d.Severity = SeverityWarning
	}
	d.DetectedAt = time.Now()
	report.Discrepancies = append(report.Discrepancies, d)
	stored := &report.Discrepancies[len(report.Discrepancies)-1]
	s.publish(events.EventDiscrepancy, d)
	if d.Severity == SeverityCritical {
		s.publish(events.EventCriticalDiscrep, d)
		log.Printf("reconciler: CRITICAL %s %s order=%s local=%s remote=%s", d.Type, d.Symbol, d.OrderID, d.Local, d.Remote)
	}
	return stored
}

func (s *Service) autoFail(ctx context.Context, orderID, reason string, d *Discrepancy) {
	if !s.AutoSync {
		return
	}
	if err := s.DB.MarkOrderFailed(ctx, orderID, reason); err != nil {
		log.Printf("reconciler: mark failed %s error: %v", orderID, err)
		return
	}
	d.Resolved = true
}

func (s *Service) fetchOrderStatus(ctx context.Context, address string, oid int64) (*exchange.OrderStatusResult, error) {
	var res *exchange.OrderStatusResult
	err := s.Limiter.Execute(ctx, 1, func(ctx context.Context) error {
		return s.Breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Retry.Execute(ctx, "order status", func(ctx context.Context) error {
				r, err := s.Client.GetOrderStatus(ctx, address, oid)
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
