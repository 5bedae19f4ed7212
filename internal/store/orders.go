package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-sync-agent/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrderTx inserts an order inside an open transaction and fills in the
// assigned ID. Callers build the order via models.NewOrder so the creation
// defaults are already present.
func (s *Store) CreateOrderTx(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_number, status, total, user_id, customer_id, created_at, sync_status, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderNumber, order.Status, order.Total, order.UserID, order.CustomerID,
		order.CreatedAt, order.SyncStatus, order.LastSynced)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	order.ID, err = res.LastInsertId()
	return err
}

// CreateOrderItemTx inserts an order item inside an open transaction. Parent
// orders are always written before their items.
func (s *Store) CreateOrderItemTx(ctx context.Context, tx *sqlx.Tx, item *models.OrderItem) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_items (order_id, product_id, quantity, price, discount, total)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.OrderID, item.ProductID, item.Quantity, item.Price, item.Discount, item.Total)
	if err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = ?", orderID)
	return items, err
}

// GetOrdersByDateRange retrieves orders created within [from, to)
func (s *Store) GetOrdersByDateRange(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE created_at >= ? AND created_at < ? ORDER BY created_at DESC",
		from, to)
	return orders, err
}

// GetRecentOrders retrieves the most recent orders
func (s *Store) GetRecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	return orders, err
}

// CreatePaymentTx inserts a payment inside an open transaction
func (s *Store) CreatePaymentTx(ctx context.Context, tx *sqlx.Tx, payment *models.Payment) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, method, amount, status, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		payment.OrderID, payment.Method, payment.Amount, payment.Status,
		payment.CreatedAt, payment.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	payment.ID, err = res.LastInsertId()
	return err
}

// GetPaymentsByOrderID retrieves payments for an order
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = ? ORDER BY created_at", orderID)
	return payments, err
}

// SumCashPayments totals completed cash payments created within [from, to).
// Used when closing a cash-drawer session to compute the expected drawer cash.
func (s *Store) SumCashPayments(ctx context.Context, from, to time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.GetContext(ctx, &total, `
		SELECT SUM(amount) FROM payments
		WHERE method = ? AND status = ? AND created_at >= ? AND created_at < ?`,
		models.PaymentMethodCash, models.PaymentStatusCompleted, from, to)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// entitySyncTables maps queue entry types to the table carrying the
// sync_status column for that entity.
var entitySyncTables = map[string]string{
	models.EntityOrder:   "orders",
	models.EntityTicket:  "tickets",
	models.EntityPayment: "payments",
	models.EntitySession: "sessions",
}

// MarkEntitySynced flips an entity's sync_status to synced and stamps
// last_synced where the table carries one.
func (s *Store) MarkEntitySynced(ctx context.Context, entityType string, entityID string, at time.Time) error {
	table, ok := entitySyncTables[entityType]
	if !ok {
		// Catalog entities pulled from the remote have no sync_status column.
		return nil
	}

	var err error
	switch table {
	case "orders":
		_, err = s.db.ExecContext(ctx,
			"UPDATE orders SET sync_status = ?, last_synced = ? WHERE id = ?",
			models.SyncStatusSynced, at, entityID)
	default:
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE id = ?", table),
			models.SyncStatusSynced, entityID)
	}
	return err
}

// PendingEntityIDs lists IDs in the given entity table still marked pending.
// The engine uses this at startup to self-heal queue gaps.
func (s *Store) PendingEntityIDs(ctx context.Context, entityType string) ([]string, error) {
	table, ok := entitySyncTables[entityType]
	if !ok {
		return nil, nil
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		fmt.Sprintf("SELECT CAST(id AS TEXT) FROM %s WHERE sync_status = ?", table),
		models.SyncStatusPending)
	return ids, err
}
