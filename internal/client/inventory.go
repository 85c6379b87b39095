// Package client 下游服务的 HTTP 客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/orderlife/order/pkg/errors"
	"github.com/orderlife/order/pkg/tracing"
)

const defaultTimeout = 5 * time.Second

// InventoryClient 库存服务客户端
type InventoryClient struct {
	baseURL string
	http    *http.Client
}

// NewInventoryClient 创建客户端
func NewInventoryClient(baseURL string, timeout time.Duration) *InventoryClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &InventoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type inventoryRequest struct {
	OrderID int64 `json:"orderId"`
}

type inventoryResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reserve 为订单预留库存。库存不足返回不可重试的业务错误。
func (c *InventoryClient) Reserve(ctx context.Context, orderID int64) error {
	return c.post(ctx, "/api/v1/inventory/reserve", orderID)
}

// Release 释放订单占用的库存。对未预留的订单是幂等空操作。
func (c *InventoryClient) Release(ctx context.Context, orderID int64) error {
	return c.post(ctx, "/api/v1/inventory/release", orderID)
}

func (c *InventoryClient) post(ctx context.Context, path string, orderID int64) error {
	body, err := json.Marshal(inventoryRequest{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("marshal inventory request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.CodeInventoryUnavailable, "inventory service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var out inventoryResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &out)

	switch {
	case resp.StatusCode == http.StatusConflict || out.Code == string(apperrors.CodeInventoryInsufficient):
		return apperrors.Newf(apperrors.CodeInventoryInsufficient, "inventory: %s", out.Message)
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.CodeInventoryUnavailable, "inventory service returned %d", resp.StatusCode)
	default:
		return apperrors.Newf(apperrors.CodeUnknown, "inventory service returned %d: %s", resp.StatusCode, out.Message)
	}
}
