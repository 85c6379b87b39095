// Package repository 订单生命周期数据访问层
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// 订单状态
const (
	OrderStatusCreated    = "CREATED"
	OrderStatusConfirmed  = "CONFIRMED"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusCancelled  = "CANCELLED"
)

// Order 订单
type Order struct {
	OrderID      int64
	CustomerID   int64
	TotalAmount  string // DECIMAL from DB
	Currency     string
	Status       string
	CancelReason string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrderTx 在事务内创建订单（与 outbox 写入同一事务）
func (r *OrderRepository) CreateOrderTx(ctx context.Context, tx *sql.Tx, order *Order) error {
	query := `
		INSERT INTO order_lifecycle.orders
		(order_id, customer_id, total_amount, currency, status, cancel_reason, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, query,
		order.OrderID, order.CustomerID, order.TotalAmount, order.Currency,
		order.Status, order.CancelReason, order.CreatedAtMs, order.UpdatedAtMs,
	)
	if err != nil {
		// 检查唯一约束冲突
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder 获取订单
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	query := `
		SELECT order_id, customer_id, total_amount, currency, status, cancel_reason, created_at_ms, updated_at_ms
		FROM order_lifecycle.orders
		WHERE order_id = $1
	`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// UpdateOrderStatusTx 在事务内更新订单状态，带前置状态守卫。
// 前置状态不匹配时返回 ErrInvalidTransition，保证步骤重放不会重复生效。
func (r *OrderRepository) UpdateOrderStatusTx(ctx context.Context, tx *sql.Tx, orderID int64, fromStatus, toStatus string, updatedAtMs int64) error {
	query := `
		UPDATE order_lifecycle.orders
		SET status = $1, updated_at_ms = $2
		WHERE order_id = $3 AND status = $4
	`
	result, err := tx.ExecContext(ctx, query, toStatus, updatedAtMs, orderID, fromStatus)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current string
		check := `SELECT status FROM order_lifecycle.orders WHERE order_id = $1`
		if scanErr := tx.QueryRowContext(ctx, check, orderID).Scan(&current); scanErr == sql.ErrNoRows {
			return ErrOrderNotFound
		}
		return fmt.Errorf("%w: order %d is not %s", ErrInvalidTransition, orderID, fromStatus)
	}
	return nil
}

// SetOrderStatusTx 在事务内无条件设置订单状态（补偿路径使用）
func (r *OrderRepository) SetOrderStatusTx(ctx context.Context, tx *sql.Tx, orderID int64, status, cancelReason string, updatedAtMs int64) error {
	query := `
		UPDATE order_lifecycle.orders
		SET status = $1, cancel_reason = $2, updated_at_ms = $3
		WHERE order_id = $4
	`
	result, err := tx.ExecContext(ctx, query, status, cancelReason, updatedAtMs, orderID)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListOrdersByStatus 按状态列出订单
func (r *OrderRepository) ListOrdersByStatus(ctx context.Context, status string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT order_id, customer_id, total_amount, currency, status, cancel_reason, created_at_ms, updated_at_ms
		FROM order_lifecycle.orders
		WHERE status = $1
		ORDER BY created_at_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.OrderID, &o.CustomerID, &o.TotalAmount, &o.Currency,
			&o.Status, &o.CancelReason, &o.CreatedAtMs, &o.UpdatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.OrderID, &o.CustomerID, &o.TotalAmount, &o.Currency,
		&o.Status, &o.CancelReason, &o.CreatedAtMs, &o.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}
