package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/orderlife/order/pkg/errors"
)

func TestInventoryReserveOK(t *testing.T) {
	var gotPath string
	var gotOrderID int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req inventoryRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotOrderID = req.OrderID
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewInventoryClient(srv.URL, 0)
	if err := c.Reserve(context.Background(), 42); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if gotPath != "/api/v1/inventory/reserve" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotOrderID != 42 {
		t.Fatalf("orderId = %d, want 42", gotOrderID)
	}
}

func TestInventoryReserveInsufficientIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(inventoryResponse{Code: "INVENTORY_INSUFFICIENT", Message: "no stock"})
	}))
	defer srv.Close()

	c := NewInventoryClient(srv.URL, 0)
	err := c.Reserve(context.Background(), 42)

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *apperrors.Error", err)
	}
	if appErr.Code != apperrors.CodeInventoryInsufficient {
		t.Fatalf("code = %s, want INVENTORY_INSUFFICIENT", appErr.Code)
	}
	if appErr.Retryable {
		t.Fatal("insufficient stock must not be retryable")
	}
}

func TestInventoryServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewInventoryClient(srv.URL, 0)
	err := c.Release(context.Background(), 42)

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *apperrors.Error", err)
	}
	if !appErr.Retryable {
		t.Fatal("5xx from inventory should be retryable")
	}
}

func TestNotifySendsTemplate(t *testing.T) {
	var got notifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewNotificationClient(srv.URL, 0)
	if err := c.Notify(context.Background(), 42, "order-cancelled"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.OrderID != 42 || got.Template != "order-cancelled" {
		t.Fatalf("request = %+v", got)
	}
}

func TestNotifyFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewNotificationClient(srv.URL, 0)
	err := c.Notify(context.Background(), 42, "order-cancelled")

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error type = %T, want *apperrors.Error", err)
	}
	if !appErr.Retryable {
		t.Fatal("notification outage should be retryable")
	}
}
