package service

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/orderlife/order/internal/events"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/internal/saga"
)

type fakeInventory struct {
	reserved []int64
	released []int64
	err      error
}

func (f *fakeInventory) Reserve(ctx context.Context, orderID int64) error {
	if f.err != nil {
		return f.err
	}
	f.reserved = append(f.reserved, orderID)
	return nil
}

func (f *fakeInventory) Release(ctx context.Context, orderID int64) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, orderID)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(ctx context.Context, orderID int64, template string) error {
	f.notified = append(f.notified, template)
	return nil
}

var orderColumns = []string{
	"order_id", "customer_id", "total_amount", "currency", "status",
	"cancel_reason", "created_at_ms", "updated_at_ms",
}

func newTestService(t *testing.T) (*OrderService, sqlmock.Sqlmock, *fakeInventory, *fakeNotifier) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	inventory := &fakeInventory{}
	notifier := &fakeNotifier{}
	svc := NewOrderService(db,
		repository.NewOrderRepository(db),
		repository.NewOutboxRepository(db),
		inventory, notifier, nil)
	return svc, mock, inventory, notifier
}

func TestCreateOrderWritesOutboxInSameTx(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.orders")).
		WithArgs(int64(7), int64(9), "19.99", "USD", "CREATED", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderCreated, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	order, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		OrderID:     7,
		CustomerID:  9,
		TotalAmount: "19.99",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != repository.OrderStatusCreated {
		t.Fatalf("status = %s, want CREATED", order.Status)
	}
	if order.Currency != "USD" {
		t.Fatalf("currency = %s, want default USD", order.Currency)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	if _, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{TotalAmount: "1.00"}); err == nil {
		t.Fatal("missing customerId accepted")
	}
	if _, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{CustomerID: 1}); err == nil {
		t.Fatal("missing totalAmount accepted")
	}
}

func expectGetOrder(mock sqlmock.Sqlmock, orderID int64, status string) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_lifecycle.orders")).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow(orderID, 9, "19.99", "USD", status, "", 100, 100))
}

func TestConfirmOrderEmitsConfirmRequested(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	expectGetOrder(mock, 7, repository.OrderStatusCreated)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderConfirmRequested, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	eventID, err := svc.ConfirmOrder(context.Background(), 7)
	if err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	if eventID == "" {
		t.Fatal("empty event id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmOrderRejectsNonCreated(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	expectGetOrder(mock, 7, repository.OrderStatusShipped)
	if _, err := svc.ConfirmOrder(context.Background(), 7); err == nil {
		t.Fatal("confirm accepted for SHIPPED order")
	}
}

func TestCancelOrderRejectsDeliveredAndCancelled(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	expectGetOrder(mock, 7, repository.OrderStatusDelivered)
	if _, err := svc.CancelOrder(context.Background(), 7, "changed my mind"); err == nil {
		t.Fatal("cancel accepted for DELIVERED order")
	}

	expectGetOrder(mock, 7, repository.OrderStatusCancelled)
	if _, err := svc.CancelOrder(context.Background(), 7, "again"); err == nil {
		t.Fatal("cancel accepted for already CANCELLED order")
	}
}

func TestCancelOrderEmitsCancelRequested(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	expectGetOrder(mock, 7, repository.OrderStatusProcessing)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderCancelRequested, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := svc.CancelOrder(context.Background(), 7, "changed my mind"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func execAction(t *testing.T, svc *OrderService, action string, orderID int64, payload string) error {
	t.Helper()
	executor := saga.NewExecutor()
	svc.RegisterSagaActions(executor)
	instance := &repository.SagaInstance{SagaID: "saga-1", OrderID: orderID}
	step := &repository.SagaStep{SagaID: "saga-1", Payload: payload}
	return executor.Execute(context.Background(), action, instance, step)
}

func TestConfirmActionTransitionsAndEmits(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_lifecycle.orders")).
		WithArgs("CONFIRMED", sqlmock.AnyArg(), int64(7), "CREATED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderStatusUpdated, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := execAction(t, svc, saga.ActionConfirmOrder, 7, ""); err != nil {
		t.Fatalf("confirm action: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirmActionReplayIsIdempotent(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	// Guarded update misses because the order is already CONFIRMED.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_lifecycle.orders")).
		WithArgs("CONFIRMED", sqlmock.AnyArg(), int64(7), "CREATED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CONFIRMED"))
	expectGetOrder(mock, 7, repository.OrderStatusConfirmed)
	mock.ExpectRollback()

	if err := execAction(t, svc, saga.ActionConfirmOrder, 7, ""); err != nil {
		t.Fatalf("replayed confirm action should succeed without re-emitting, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevertActionSetsStatusUnconditionally(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_lifecycle.orders")).
		WithArgs("CREATED", "", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderStatusUpdated, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := execAction(t, svc, saga.ActionRevertConfirm, 7, ""); err != nil {
		t.Fatalf("revert action: %v", err)
	}
}

func TestCancelActionUsesReasonFromPayload(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_lifecycle.orders")).
		WithArgs("CANCELLED", "customer request", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderStatusUpdated, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// the payload shape the coordinator writes: order id merged with the
	// fields from the ORDER_CANCEL_REQUESTED event
	if err := execAction(t, svc, saga.ActionCancelOrder, 7, `{"orderId":7,"reason":"customer request"}`); err != nil {
		t.Fatalf("cancel action: %v", err)
	}
}

func TestCancelActionDefaultsReasonWhenPayloadHasNone(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_lifecycle.orders")).
		WithArgs("CANCELLED", "cancel requested", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_lifecycle.outbox_events")).
		WithArgs(sqlmock.AnyArg(), "7", events.TypeOrderStatusUpdated, sqlmock.AnyArg(), "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := execAction(t, svc, saga.ActionCancelOrder, 7, `{"orderId":7}`); err != nil {
		t.Fatalf("cancel action: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInventoryAndNotifyActions(t *testing.T) {
	svc, _, inventory, notifier := newTestService(t)

	if err := execAction(t, svc, saga.ActionReserveInventory, 7, ""); err != nil {
		t.Fatalf("reserve action: %v", err)
	}
	if err := execAction(t, svc, saga.ActionReleaseInventory, 7, ""); err != nil {
		t.Fatalf("release action: %v", err)
	}
	if err := execAction(t, svc, saga.ActionNotifyCancellation, 7, ""); err != nil {
		t.Fatalf("notify action: %v", err)
	}

	if len(inventory.reserved) != 1 || inventory.reserved[0] != 7 {
		t.Fatalf("reserved = %v", inventory.reserved)
	}
	if len(inventory.released) != 1 || inventory.released[0] != 7 {
		t.Fatalf("released = %v", inventory.released)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "order-cancelled" {
		t.Fatalf("notified = %v", notifier.notified)
	}
}
