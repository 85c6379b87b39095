// Package events 入站生命周期事件的幂等处理
package events

import (
	"encoding/json"
	"fmt"
)

// 事件类型
const (
	TypeOrderCreated          = "ORDER_CREATED"
	TypeOrderStatusUpdated    = "ORDER_STATUS_UPDATED"
	TypeOrderConfirmRequested = "ORDER_CONFIRM_REQUESTED"
	TypeOrderCancelRequested  = "ORDER_CANCEL_REQUESTED"
)

// Envelope 总线上的事件信封
type Envelope struct {
	EventID      string          `json:"eventId"`
	OrderID      int64           `json:"orderId"`
	EventType    string          `json:"eventType"`
	Version      int64           `json:"version"`
	OccurredAtMs int64           `json:"occurredAtMs"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope 解码并校验信封
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("envelope missing eventId")
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("envelope missing eventType")
	}
	if env.OrderID == 0 {
		return nil, fmt.Errorf("envelope missing orderId")
	}
	return &env, nil
}
