package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyClosed is returned when a closed trade row already exists
	// for the trade id.
	ErrAlreadyClosed = errors.New("trade already closed")
)

// ----------------------------------------
// Pending orders
// ----------------------------------------

// CreatePendingOrder inserts a new pending order row.
func (d *Database) CreatePendingOrder(ctx context.Context, o PendingOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO pending_orders
			(id, pair_id, direction, volume, target_premium, take_profit, tp_mode,
			 stop_loss, status, error_count, last_premium, created_at, max_age_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.PairID, o.Direction, o.Volume, o.TargetPremium, o.TakeProfit, o.TPMode,
		o.StopLoss, o.Status, o.ErrorCount, o.LastPremium, o.CreatedAt, o.MaxAgeMs)
	if err != nil {
		return fmt.Errorf("insert pending order: %w", err)
	}
	return nil
}

const pendingOrderColumns = `
	id, pair_id, direction, volume, target_premium, take_profit,
	COALESCE(tp_mode, 'NONE'), stop_loss, status, error_count,
	COALESCE(last_premium, 0), created_at, max_age_ms`

func scanPendingOrder(row interface{ Scan(...any) error }) (PendingOrder, error) {
	var o PendingOrder
	err := row.Scan(&o.ID, &o.PairID, &o.Direction, &o.Volume, &o.TargetPremium,
		&o.TakeProfit, &o.TPMode, &o.StopLoss, &o.Status, &o.ErrorCount,
		&o.LastPremium, &o.CreatedAt, &o.MaxAgeMs)
	return o, err
}

// ListPendingOrders returns all orders currently in PENDING status.
func (d *Database) ListPendingOrders(ctx context.Context) ([]PendingOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+pendingOrderColumns+`
		FROM pending_orders
		WHERE status = ?
		ORDER BY created_at
	`, OrderPending)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var orders []PendingOrder
	for rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrders returns the most recent orders regardless of status.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]PendingOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+pendingOrderColumns+`
		FROM pending_orders
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []PendingOrder
	for rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetPendingOrder fetches one order by id.
func (d *Database) GetPendingOrder(ctx context.Context, id string) (PendingOrder, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+pendingOrderColumns+`
		FROM pending_orders WHERE id = ?
	`, id)
	o, err := scanPendingOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingOrder{}, ErrNotFound
	}
	if err != nil {
		return PendingOrder{}, fmt.Errorf("get pending order: %w", err)
	}
	return o, nil
}

// MarkOrderExecuting transitions an order from PENDING to EXECUTING. The
// conditional update is the only in-flight lock: a second caller sees zero
// affected rows and backs off.
func (d *Database) MarkOrderExecuting(ctx context.Context, id string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE pending_orders SET status = ? WHERE id = ? AND status = ?
	`, OrderExecuting, id, OrderPending)
	if err != nil {
		return false, fmt.Errorf("mark order executing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateOrderStatus sets the status of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE pending_orders SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// RecordOrderObservation stores the latest observed premium and resets the
// error counter.
func (d *Database) RecordOrderObservation(ctx context.Context, id string, premium float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE pending_orders SET last_premium = ?, error_count = 0 WHERE id = ?
	`, premium, id)
	if err != nil {
		return fmt.Errorf("record order observation: %w", err)
	}
	return nil
}

// IncrementOrderErrors bumps the error counter and returns the new value.
func (d *Database) IncrementOrderErrors(ctx context.Context, id string) (int, error) {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE pending_orders SET error_count = error_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("increment order errors: %w", err)
	}
	var count int
	err = d.DB.QueryRowContext(ctx, `
		SELECT error_count FROM pending_orders WHERE id = ?
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read order error count: %w", err)
	}
	return count, nil
}

// DeletePendingOrder removes a consumed order row.
func (d *Database) DeletePendingOrder(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending order: %w", err)
	}
	return nil
}

// ----------------------------------------
// Active trades
// ----------------------------------------

// CreateActiveTrade persists a fully materialized two-leg trade.
func (d *Database) CreateActiveTrade(ctx context.Context, t ActiveTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO active_trades
			(id, pair_id, direction,
			 fut_venue, fut_account, fut_ticket, fut_symbol, fut_direction, fut_volume, fut_open_price, fut_latency_ms,
			 spot_venue, spot_account, spot_ticket, spot_symbol, spot_direction, spot_volume, spot_open_price, spot_latency_ms,
			 execution_premium, take_profit, tp_mode, stop_loss, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PairID, t.Direction,
		t.Future.Venue, t.Future.Account, t.Future.Ticket, t.Future.Symbol, t.Future.Direction, t.Future.Volume, t.Future.OpenPrice, t.Future.LatencyMs,
		t.Spot.Venue, t.Spot.Account, t.Spot.Ticket, t.Spot.Symbol, t.Spot.Direction, t.Spot.Volume, t.Spot.OpenPrice, t.Spot.LatencyMs,
		t.ExecutionPremium, t.TakeProfit, t.TPMode, t.StopLoss, t.Status, t.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert active trade: %w", err)
	}
	return nil
}

const activeTradeColumns = `
	id, pair_id, direction,
	fut_venue, fut_account, fut_ticket, fut_symbol, fut_direction, fut_volume, fut_open_price, COALESCE(fut_latency_ms, 0),
	spot_venue, spot_account, spot_ticket, spot_symbol, spot_direction, spot_volume, spot_open_price, COALESCE(spot_latency_ms, 0),
	execution_premium, take_profit, COALESCE(tp_mode, 'NONE'), stop_loss, status, opened_at`

func scanActiveTrade(row interface{ Scan(...any) error }) (ActiveTrade, error) {
	var t ActiveTrade
	err := row.Scan(&t.ID, &t.PairID, &t.Direction,
		&t.Future.Venue, &t.Future.Account, &t.Future.Ticket, &t.Future.Symbol, &t.Future.Direction, &t.Future.Volume, &t.Future.OpenPrice, &t.Future.LatencyMs,
		&t.Spot.Venue, &t.Spot.Account, &t.Spot.Ticket, &t.Spot.Symbol, &t.Spot.Direction, &t.Spot.Volume, &t.Spot.OpenPrice, &t.Spot.LatencyMs,
		&t.ExecutionPremium, &t.TakeProfit, &t.TPMode, &t.StopLoss, &t.Status, &t.OpenedAt)
	return t, err
}

// ListActiveTrades returns all active trades, optionally filtered by status.
func (d *Database) ListActiveTrades(ctx context.Context, status string) ([]ActiveTrade, error) {
	query := `SELECT ` + activeTradeColumns + ` FROM active_trades`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()

	var trades []ActiveTrade
	for rows.Next() {
		t, err := scanActiveTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListMonitoredTrades returns active trades with a take-profit mode set.
func (d *Database) ListMonitoredTrades(ctx context.Context) ([]ActiveTrade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+activeTradeColumns+`
		FROM active_trades
		WHERE status = ? AND tp_mode != ?
	`, TradeActive, TPModeNone)
	if err != nil {
		return nil, fmt.Errorf("query monitored trades: %w", err)
	}
	defer rows.Close()

	var trades []ActiveTrade
	for rows.Next() {
		t, err := scanActiveTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitored trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetActiveTrade fetches one active trade by id.
func (d *Database) GetActiveTrade(ctx context.Context, id string) (ActiveTrade, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+activeTradeColumns+` FROM active_trades WHERE id = ?
	`, id)
	t, err := scanActiveTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ActiveTrade{}, ErrNotFound
	}
	if err != nil {
		return ActiveTrade{}, fmt.Errorf("get active trade: %w", err)
	}
	return t, nil
}

// UpdateTradeStatus sets the status of an active trade.
func (d *Database) UpdateTradeStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE active_trades SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return nil
}

// ----------------------------------------
// Closed trades & migration
// ----------------------------------------

// ClosedTradeExists reports whether the trade id already has a history row.
func (d *Database) ClosedTradeExists(ctx context.Context, tradeID string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM closed_trades WHERE trade_id = ?
	`, tradeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check closed trade: %w", err)
	}
	return n > 0, nil
}

// MigrateToClosed atomically inserts the history row and deletes the active
// trade. Idempotent: a second migration of the same trade id returns
// ErrAlreadyClosed and leaves a single history row.
func (d *Database) MigrateToClosed(ctx context.Context, closed ClosedTrade) error {
	exists, err := d.ClosedTradeExists(ctx, closed.TradeID)
	if err != nil {
		return err
	}
	if exists {
		// Still make sure the active row is gone.
		_, _ = d.DB.ExecContext(ctx, `DELETE FROM active_trades WHERE id = ?`, closed.TradeID)
		return ErrAlreadyClosed
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO closed_trades
			(trade_id, pair_id, direction, volume, execution_premium, close_premium,
			 profit, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, closed.TradeID, closed.PairID, closed.Direction, closed.Volume,
		closed.ExecutionPremium, closed.ClosePremium, closed.Profit, closed.Reason,
		closed.OpenedAt, closed.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert closed trade: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_trades WHERE id = ?`, closed.TradeID); err != nil {
		return fmt.Errorf("delete active trade: %w", err)
	}

	return tx.Commit()
}

// ListClosedTrades returns the most recent history rows.
func (d *Database) ListClosedTrades(ctx context.Context, limit int) ([]ClosedTrade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT trade_id, pair_id, direction, volume, execution_premium,
		       COALESCE(close_premium, 0), profit, reason, opened_at, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	var trades []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		if err := rows.Scan(&t.TradeID, &t.PairID, &t.Direction, &t.Volume,
			&t.ExecutionPremium, &t.ClosePremium, &t.Profit, &t.Reason,
			&t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Orphan legs & pair stats
// ----------------------------------------

// CreateOrphanLeg records a half-open position for manual attention.
func (d *Database) CreateOrphanLeg(ctx context.Context, l OrphanLeg) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orphan_legs
			(id, pair_id, venue, account, ticket, symbol, direction, volume,
			 open_price, cause, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.PairID, l.Venue, l.Account, l.Ticket, l.Symbol, l.Direction,
		l.Volume, l.OpenPrice, l.Cause, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert orphan leg: %w", err)
	}
	return nil
}

// ListOrphanLegs returns all recorded orphan legs.
func (d *Database) ListOrphanLegs(ctx context.Context) ([]OrphanLeg, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, pair_id, venue, account, ticket, symbol, direction, volume,
		       open_price, COALESCE(cause, ''), created_at
		FROM orphan_legs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query orphan legs: %w", err)
	}
	defer rows.Close()

	var legs []OrphanLeg
	for rows.Next() {
		var l OrphanLeg
		if err := rows.Scan(&l.ID, &l.PairID, &l.Venue, &l.Account, &l.Ticket,
			&l.Symbol, &l.Direction, &l.Volume, &l.OpenPrice, &l.Cause, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphan leg: %w", err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

// UpsertPairStats stores the last observed execution latency pair.
func (d *Database) UpsertPairStats(ctx context.Context, s PairStats) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO pair_stats (pair_id, fut_latency_ms, spot_latency_ms, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(pair_id) DO UPDATE SET
			fut_latency_ms = excluded.fut_latency_ms,
			spot_latency_ms = excluded.spot_latency_ms,
			updated_at = CURRENT_TIMESTAMP
	`, s.PairID, s.FutureLatencyMs, s.SpotLatencyMs)
	if err != nil {
		return fmt.Errorf("upsert pair stats: %w", err)
	}
	return nil
}
