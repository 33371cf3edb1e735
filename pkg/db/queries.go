package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserIDRequired guards user-scoped queries against cross-tenant reads.
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("record not found")
	// ErrTerminalStatus means the order is already in a terminal status and
	// the requested transition was refused.
	ErrTerminalStatus = errors.New("order already in terminal status")
)

const terminalStatuses = `('filled', 'cancelled', 'failed')`

// CreateOrder inserts the write-ahead ledger row for a new order.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, symbol, side, order_type, price, size, filled_size,
			time_in_force, reduce_only, post_only, status, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`,
		o.ID, o.UserID, o.Symbol, o.Side, o.OrderType, o.Price, o.Size, o.FilledSize,
		o.TimeInForce, o.ReduceOnly, o.PostOnly, o.Status, nullStr(o.ErrorMessage), nullTime(&o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder returns one order by internal id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, symbol, side, order_type, price, size, filled_size,
		       time_in_force, reduce_only, post_only, status,
		       COALESCE(exchange_order_id, 0), COALESCE(error_message, ''),
		       created_at, updated_at, filled_at, cancelled_at
		FROM orders WHERE id = ?
	`, id)
	return scanOrder(row)
}

// MarkOrderOpen records the exchange ack. Refused once the order is terminal.
func (d *Database) MarkOrderOpen(ctx context.Context, id string, exchangeOrderID int64) error {
	return d.transitionOrder(ctx, id, `
		UPDATE orders SET status = ?, exchange_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		OrderStatusOpen, exchangeOrderID, id)
}

// MarkOrderFailed records a submission failure with a classified message.
func (d *Database) MarkOrderFailed(ctx context.Context, id, message string) error {
	return d.transitionOrder(ctx, id, `
		UPDATE orders SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		OrderStatusFailed, message, id)
}

// MarkOrderFilled records a full fill. Optionally carries the exchange id
// when the ack itself reported the fill.
func (d *Database) MarkOrderFilled(ctx context.Context, id string, exchangeOrderID int64, filledSize float64, at time.Time) error {
	return d.transitionOrder(ctx, id, `
		UPDATE orders SET status = ?, exchange_order_id = COALESCE(NULLIF(?, 0), exchange_order_id),
		       filled_size = ?, filled_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		OrderStatusFilled, exchangeOrderID, filledSize, at, id)
}

// MarkOrderCancelled records an exchange-confirmed cancel.
func (d *Database) MarkOrderCancelled(ctx context.Context, id string, at time.Time) error {
	return d.transitionOrder(ctx, id, `
		UPDATE orders SET status = ?, cancelled_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		OrderStatusCancelled, at, id)
}

// UpdateOrderFill records partial progress on an open order.
func (d *Database) UpdateOrderFill(ctx context.Context, id string, filledSize float64) error {
	return d.transitionOrder(ctx, id, `
		UPDATE orders SET status = ?, filled_size = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		OrderStatusPartiallyFilled, filledSize, id)
}

func (d *Database) transitionOrder(ctx context.Context, id, query string, args ...any) error {
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already terminal; distinguish for the caller.
		var status string
		err := d.DB.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, status)
	}
	return nil
}

// ListOpenOrdersByUser returns orders still in flight (pending, open,
// partially filled) for one user.
func (d *Database) ListOpenOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, order_type, price, size, filled_size,
		       time_in_force, reduce_only, post_only, status,
		       COALESCE(exchange_order_id, 0), COALESCE(error_message, ''),
		       created_at, updated_at, filled_at, cancelled_at
		FROM orders
		WHERE user_id = ? AND status IN ('pending', 'open', 'partially_filled')
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOrdersByUser returns the most recent orders for one user.
func (d *Database) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, order_type, price, size, filled_size,
		       time_in_force, reduce_only, post_only, status,
		       COALESCE(exchange_order_id, 0), COALESCE(error_message, ''),
		       created_at, updated_at, filled_at, cancelled_at
		FROM orders WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOpenPosition returns the single open position for (user, symbol).
func (d *Database) GetOpenPosition(ctx context.Context, userID, symbol string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, symbol, side, size, entry_price, mark_price,
		       liquidation_price, leverage, margin_used, unrealized_pnl,
		       realized_pnl, opened_at, closed_at
		FROM positions WHERE user_id = ? AND symbol = ? AND closed_at IS NULL
	`, userID, symbol)
	return scanPosition(row)
}

// ListOpenPositionsByUser returns every open position for one user.
func (d *Database) ListOpenPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, size, entry_price, mark_price,
		       liquidation_price, leverage, margin_used, unrealized_pnl,
		       realized_pnl, opened_at, closed_at
		FROM positions WHERE user_id = ? AND closed_at IS NULL
		ORDER BY opened_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertOpenPosition inserts or updates the open row for (user, symbol).
func (d *Database) UpsertOpenPosition(ctx context.Context, p Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			user_id, symbol, side, size, entry_price, mark_price,
			liquidation_price, leverage, margin_used, unrealized_pnl, realized_pnl, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		ON CONFLICT(user_id, symbol) WHERE closed_at IS NULL DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			mark_price = excluded.mark_price,
			liquidation_price = excluded.liquidation_price,
			leverage = excluded.leverage,
			margin_used = excluded.margin_used,
			unrealized_pnl = excluded.unrealized_pnl
	`,
		p.UserID, p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice,
		p.LiquidationPrice, p.Leverage, p.MarginUsed, p.UnrealizedPnl, p.RealizedPnl,
		nullTime(&p.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

// CloseOpenPosition marks the open row closed, snapshotting realized PnL.
// Returns ErrNotFound when there is no open row, which keeps close events
// exactly-once for callers.
func (d *Database) CloseOpenPosition(ctx context.Context, userID, symbol string, realizedPnl float64, at time.Time) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET closed_at = ?, realized_pnl = ?, unrealized_pnl = 0, size = 0
		WHERE user_id = ? AND symbol = ? AND closed_at IS NULL
	`, at, realizedPnl, userID, symbol)
	if err != nil {
		return fmt.Errorf("close position %s/%s: %w", userID, symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o, err := scanOrderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func scanOrderRow(row rowScanner) (*Order, error) {
	var o Order
	var filledAt, cancelledAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.OrderType, &o.Price, &o.Size, &o.FilledSize,
		&o.TimeInForce, &o.ReduceOnly, &o.PostOnly, &o.Status,
		&o.ExchangeOrderID, &o.ErrorMessage,
		&o.CreatedAt, &o.UpdatedAt, &filledAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if filledAt.Valid {
		o.FilledAt = &filledAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (*Position, error) {
	p, err := scanPositionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPositionRow(row rowScanner) (*Position, error) {
	var p Position
	var liqPx sql.NullFloat64
	var closedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &p.Side, &p.Size, &p.EntryPrice, &p.MarkPrice,
		&liqPx, &p.Leverage, &p.MarginUsed, &p.UnrealizedPnl,
		&p.RealizedPnl, &p.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if liqPx.Valid {
		p.LiquidationPrice = &liqPx.Float64
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
