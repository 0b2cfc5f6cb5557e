package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const orderColumns = `id, exchange_order_id, user_id, credential_id, symbol, side, order_type,
       quantity, executed_qty, price, stop_price, avg_price, status, failure_reason,
       created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.ExchangeOrderID, &o.UserID, &o.CredentialID, &o.Symbol, &o.Side,
		&o.OrderType, &o.Quantity, &o.ExecutedQty, &o.Price, &o.StopPrice, &o.AvgPrice,
		&o.Status, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertOrder creates a new order row and returns its id. The caller is
// expected to insert with status PENDING before any network submission.
func (d *Database) InsertOrder(ctx context.Context, o Order) (int64, error) {
	if o.UserID == "" {
		return 0, ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			exchange_order_id, user_id, credential_id, symbol, side, order_type,
			quantity, executed_qty, price, stop_price, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ExchangeOrderID, o.UserID, o.CredentialID, o.Symbol, o.Side, o.OrderType,
		o.Quantity, o.ExecutedQty, o.Price, o.StopPrice, o.Status)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return res.LastInsertId()
}

// SetOrderExchangeID records the exchange-assigned id after a successful
// submission ack.
func (d *Database) SetOrderExchangeID(ctx context.Context, id int64, exchangeOrderID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET exchange_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, exchangeOrderID, id)
	return err
}

// TransitionOrder applies a guarded status/fill update. The row only
// changes when its current status still equals fromStatus and the new
// executed quantity does not shrink, so concurrent or replayed updates
// cannot rewind an order. Returns false when the guard rejected the write.
func (d *Database) TransitionOrder(ctx context.Context, id int64, fromStatus, toStatus string, executedQty, avgPrice float64, failureReason string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    executed_qty = ?,
		    avg_price = CASE WHEN ? > 0 THEN ? ELSE avg_price END,
		    failure_reason = CASE WHEN ? != '' THEN ? ELSE failure_reason END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND executed_qty <= ?
	`, toStatus, executedQty, avgPrice, avgPrice, failureReason, failureReason,
		id, fromStatus, executedQty)
	if err != nil {
		return false, fmt.Errorf("transition order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetOrderByID returns an order regardless of owner. Internal use only;
// API paths go through GetUserOrder.
func (d *Database) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order %d: %w", id, err)
	}
	return o, nil
}

// GetOrderByExchangeID looks an order up by the exchange-assigned id.
func (d *Database) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*Order, error) {
	if exchangeOrderID == "" {
		return nil, ErrNotFound
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?
	`, exchangeOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by exchange id: %w", err)
	}
	return o, nil
}

// GetUserOrder returns an order by id, verifying ownership.
func (d *Database) GetUserOrder(ctx context.Context, userID string, id int64) (*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = ? AND user_id = ?
	`, id, userID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user order: %w", err)
	}
	return o, nil
}

// ListUserOrders returns a user's orders, most recent first. symbol and
// status filter when non-empty.
func (d *Database) ListUserOrders(ctx context.Context, userID, symbol, status string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ?`
	args := []any{userID}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListStaleOpenOrders returns non-terminal orders last touched before
// cutoff, oldest first. The reconciliation sweep feeds on this. The
// cutoff is formatted to match the CURRENT_TIMESTAMP text the rows carry.
func (d *Database) ListStaleOpenOrders(ctx context.Context, cutoff time.Time) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('PENDING', 'PARTIALLY_FILLED') AND updated_at < ?
		ORDER BY updated_at ASC
	`, cutoff.UTC().Format("2006-01-02 15:04:05.000"))
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CountOpenOrdersByCredential counts non-terminal orders referencing a
// credential config. Credential deletion is blocked while this is non-zero.
func (d *Database) CountOpenOrdersByCredential(ctx context.Context, credentialID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE credential_id = ? AND status IN ('PENDING', 'PARTIALLY_FILLED')
	`, credentialID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open orders: %w", err)
	}
	return n, nil
}

// CountUserOrders returns aggregate order counts for a user.
func (d *Database) CountUserOrders(ctx context.Context, userID string) (OrderCounts, error) {
	if userID == "" {
		return OrderCounts{}, ErrUserIDRequired
	}
	var c OrderCounts
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'FILLED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status IN ('PENDING', 'PARTIALLY_FILLED') THEN 1 ELSE 0 END), 0)
		FROM orders WHERE user_id = ?
	`, userID).Scan(&c.Total, &c.Filled, &c.Failed, &c.Pending)
	if err != nil {
		return OrderCounts{}, fmt.Errorf("count orders: %w", err)
	}
	return c, nil
}
