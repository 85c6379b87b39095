// Package service 订单生命周期业务层
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orderlife/order/internal/events"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/internal/saga"
	apperrors "github.com/orderlife/order/pkg/errors"
	"github.com/orderlife/order/pkg/logger"
)

// InventoryAPI 库存服务接口，*client.InventoryClient 实现之
type InventoryAPI interface {
	Reserve(ctx context.Context, orderID int64) error
	Release(ctx context.Context, orderID int64) error
}

// NotifierAPI 通知服务接口，*client.NotificationClient 实现之
type NotifierAPI interface {
	Notify(ctx context.Context, orderID int64, template string) error
}

// OrderService 订单服务。
// 所有业务变更与其对应的 outbox 事件在同一数据库事务内提交。
type OrderService struct {
	db           *sql.DB
	orders       *repository.OrderRepository
	outbox       *repository.OutboxRepository
	inventory    InventoryAPI
	notification NotifierAPI
	log          *logger.Logger
}

// NewOrderService 创建服务
func NewOrderService(db *sql.DB, orders *repository.OrderRepository, outbox *repository.OutboxRepository, inventory InventoryAPI, notification NotifierAPI, log *logger.Logger) *OrderService {
	if log == nil {
		log = logger.New("order-service", nil)
	}
	return &OrderService{
		db:           db,
		orders:       orders,
		outbox:       outbox,
		inventory:    inventory,
		notification: notification,
		log:          log,
	}
}

// CreateOrderRequest 创建订单请求
type CreateOrderRequest struct {
	OrderID     int64  `json:"orderId,omitempty"` // 可选，缺省自动生成
	CustomerID  int64  `json:"customerId"`
	TotalAmount string `json:"totalAmount"`
	Currency    string `json:"currency,omitempty"`
}

// CreateOrder 创建订单并在同一事务内写入 ORDER_CREATED 事件
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*repository.Order, error) {
	if req.CustomerID <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "customerId is required")
	}
	if req.TotalAmount == "" {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "totalAmount is required")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	orderID := req.OrderID
	if orderID == 0 {
		orderID = time.Now().UnixNano()
	}

	now := time.Now().UnixMilli()
	order := &repository.Order{
		OrderID:     orderID,
		CustomerID:  req.CustomerID,
		TotalAmount: req.TotalAmount,
		Currency:    currency,
		Status:      repository.OrderStatusCreated,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.orders.CreateOrderTx(ctx, tx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			return nil, apperrors.Newf(apperrors.CodeDuplicateOrder, "order %d already exists", orderID)
		}
		return nil, err
	}
	if err := s.emitTx(ctx, tx, orderID, events.TypeOrderCreated, map[string]interface{}{
		"customerId":  order.CustomerID,
		"totalAmount": order.TotalAmount,
		"currency":    order.Currency,
		"status":      order.Status,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.WithContext(ctx).Infof("order created", map[string]interface{}{
		"orderId":    orderID,
		"customerId": req.CustomerID,
	})
	return order, nil
}

// ConfirmOrder 请求确认订单。事件经 outbox 与总线回流，由消费者启动
// ORDER_PROCESSING saga。返回事件 ID。
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID int64) (string, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status != repository.OrderStatusCreated {
		return "", apperrors.Newf(apperrors.CodeInvalidOrderStatus, "order %d is %s, only CREATED orders can be confirmed", orderID, order.Status)
	}
	return s.requestLifecycleChange(ctx, orderID, events.TypeOrderConfirmRequested, nil)
}

// CancelOrder 请求取消订单，由 ORDER_CANCELLATION saga 执行。返回事件 ID。
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, reason string) (string, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	switch order.Status {
	case repository.OrderStatusCancelled:
		return "", apperrors.Newf(apperrors.CodeOrderAlreadyCanceled, "order %d is already cancelled", orderID)
	case repository.OrderStatusDelivered:
		return "", apperrors.Newf(apperrors.CodeOrderNotCancelable, "order %d is delivered", orderID)
	}
	return s.requestLifecycleChange(ctx, orderID, events.TypeOrderCancelRequested, map[string]interface{}{
		"reason": reason,
	})
}

// GetOrder 获取订单
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*repository.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", orderID)
		}
		return nil, err
	}
	return order, nil
}

// ListOrders 按状态列出订单
func (s *OrderService) ListOrders(ctx context.Context, status string, limit int) ([]*repository.Order, error) {
	return s.orders.ListOrdersByStatus(ctx, status, limit)
}

// requestLifecycleChange 把生命周期请求写入 outbox，等待中继发布
func (s *OrderService) requestLifecycleChange(ctx context.Context, orderID int64, eventType string, payload map[string]interface{}) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	eventID, err := s.emitEventTx(ctx, tx, orderID, eventType, payload)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return eventID, nil
}

func (s *OrderService) emitTx(ctx context.Context, tx *sql.Tx, orderID int64, eventType string, payload map[string]interface{}) error {
	_, err := s.emitEventTx(ctx, tx, orderID, eventType, payload)
	return err
}

// emitEventTx 在调用方事务内写入 outbox 事件，返回事件 ID
func (s *OrderService) emitEventTx(ctx context.Context, tx *sql.Tx, orderID int64, eventType string, payload map[string]interface{}) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}

	env := &events.Envelope{
		EventID:      uuid.New().String(),
		OrderID:      orderID,
		EventType:    eventType,
		Version:      1,
		OccurredAtMs: time.Now().UnixMilli(),
		Payload:      raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	err = s.outbox.InsertTx(ctx, tx, &repository.OutboxEvent{
		EventID:      env.EventID,
		AggregateID:  strconv.FormatInt(orderID, 10),
		EventType:    eventType,
		Payload:      data,
		PartitionKey: strconv.FormatInt(orderID, 10),
		CreatedAtMs:  env.OccurredAtMs,
	})
	if err != nil {
		return "", err
	}
	return env.EventID, nil
}

// RegisterSagaActions 在执行器上注册全部步骤动作实现
func (s *OrderService) RegisterSagaActions(executor *saga.Executor) {
	executor.Register(saga.ActionReserveInventory, func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		return s.inventory.Reserve(ctx, instance.OrderID)
	})
	executor.Register(saga.ActionReleaseInventory, func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		return s.inventory.Release(ctx, instance.OrderID)
	})

	executor.Register(saga.ActionConfirmOrder, s.transitionAction(repository.OrderStatusCreated, repository.OrderStatusConfirmed))
	executor.Register(saga.ActionProcessOrder, s.transitionAction(repository.OrderStatusConfirmed, repository.OrderStatusProcessing))
	executor.Register(saga.ActionShipOrder, s.transitionAction(repository.OrderStatusProcessing, repository.OrderStatusShipped))
	executor.Register(saga.ActionDeliverOrder, s.transitionAction(repository.OrderStatusShipped, repository.OrderStatusDelivered))

	executor.Register(saga.ActionRevertConfirm, s.revertAction(repository.OrderStatusCreated))
	executor.Register(saga.ActionRevertProcess, s.revertAction(repository.OrderStatusConfirmed))
	executor.Register(saga.ActionRevertShip, s.revertAction(repository.OrderStatusProcessing))

	executor.Register(saga.ActionCancelOrder, func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		return s.cancelTx(ctx, instance.OrderID, cancelReasonFromPayload(step.Payload))
	})
	executor.Register(saga.ActionNotifyCancellation, func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		return s.notification.Notify(ctx, instance.OrderID, "order-cancelled")
	})
}

// transitionAction 带前置状态守卫的订单状态推进。
// 步骤重放时订单已在目标状态则视为成功，不产生重复事件。
func (s *OrderService) transitionAction(from, to string) saga.ActionFunc {
	return func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		err = s.orders.UpdateOrderStatusTx(ctx, tx, instance.OrderID, from, to, time.Now().UnixMilli())
		if err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				order, getErr := s.orders.GetOrder(ctx, instance.OrderID)
				if getErr == nil && order.Status == to {
					return nil
				}
				return apperrors.Newf(apperrors.CodeInvalidOrderStatus, "order %d: %v", instance.OrderID, err)
			}
			if errors.Is(err, repository.ErrOrderNotFound) {
				return apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", instance.OrderID)
			}
			return err
		}

		if err := s.emitTx(ctx, tx, instance.OrderID, events.TypeOrderStatusUpdated, map[string]interface{}{
			"from":   from,
			"to":     to,
			"sagaId": instance.SagaID,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
}

// revertAction 补偿路径：无条件回退到目标状态，重复执行结果相同
func (s *OrderService) revertAction(to string) saga.ActionFunc {
	return func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := s.orders.SetOrderStatusTx(ctx, tx, instance.OrderID, to, "", time.Now().UnixMilli()); err != nil {
			return err
		}
		if err := s.emitTx(ctx, tx, instance.OrderID, events.TypeOrderStatusUpdated, map[string]interface{}{
			"to":           to,
			"sagaId":       instance.SagaID,
			"compensation": true,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
}

func (s *OrderService) cancelTx(ctx context.Context, orderID int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.orders.SetOrderStatusTx(ctx, tx, orderID, repository.OrderStatusCancelled, reason, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := s.emitTx(ctx, tx, orderID, events.TypeOrderStatusUpdated, map[string]interface{}{
		"to":     repository.OrderStatusCancelled,
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func cancelReasonFromPayload(payload string) string {
	var p struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Reason == "" {
		return "cancel requested"
	}
	return p.Reason
}
