package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/orderlife/order/pkg/errors"
	"github.com/orderlife/order/pkg/tracing"
)

// NotificationClient 通知服务客户端
type NotificationClient struct {
	baseURL string
	http    *http.Client
}

// NewNotificationClient 创建客户端
func NewNotificationClient(baseURL string, timeout time.Duration) *NotificationClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &NotificationClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type notifyRequest struct {
	OrderID  int64  `json:"orderId"`
	Template string `json:"template"`
}

// Notify 发送订单通知
func (c *NotificationClient) Notify(ctx context.Context, orderID int64, template string) error {
	body, err := json.Marshal(notifyRequest{OrderID: orderID, Template: template})
	if err != nil {
		return fmt.Errorf("marshal notify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.CodeNotificationUnavailable, "notification service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return apperrors.Newf(apperrors.CodeNotificationUnavailable, "notification service returned %d", resp.StatusCode)
	}
	return nil
}
