// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 订单 (2xxx)
	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeOrderAlreadyCanceled Code = "ORDER_ALREADY_CANCELED"
	CodeOrderNotCancelable   Code = "ORDER_NOT_CANCELABLE"
	CodeInvalidOrderStatus   Code = "INVALID_ORDER_STATUS"
	CodeDuplicateOrder       Code = "DUPLICATE_ORDER"

	// Saga (3xxx)
	CodeSagaNotFound        Code = "SAGA_NOT_FOUND"
	CodeSagaTerminal        Code = "SAGA_TERMINAL"
	CodeSagaRetryExhausted  Code = "SAGA_RETRY_EXHAUSTED"
	CodeSagaVersionConflict Code = "SAGA_VERSION_CONFLICT"
	CodeUnknownSagaType     Code = "UNKNOWN_SAGA_TYPE"
	CodeStepFailed          Code = "STEP_FAILED"

	// Outbox / 事件 (4xxx)
	CodeOutboxEventNotFound Code = "OUTBOX_EVENT_NOT_FOUND"
	CodeOutboxEventDead     Code = "OUTBOX_EVENT_DEAD"
	CodePublishFailure      Code = "PUBLISH_FAILURE"
	CodeDuplicateEvent      Code = "DUPLICATE_EVENT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 下游服务 (5xxx)
	CodeInventoryUnavailable    Code = "INVENTORY_UNAVAILABLE"
	CodeInventoryInsufficient   Code = "INVENTORY_INSUFFICIENT"
	CodeNotificationUnavailable Code = "NOTIFICATION_UNAVAILABLE"

	// 系统 (9xxx)
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSystemBusy,
		CodePublishFailure, CodeInventoryUnavailable,
		CodeNotificationUnavailable, CodeSagaVersionConflict:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidOrderStatus,
		CodeUnknownSagaType, CodeOrderNotCancelable:
		return http.StatusBadRequest
	case CodeNotFound, CodeOrderNotFound, CodeSagaNotFound,
		CodeOutboxEventNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateOrder, CodeDuplicateEvent,
		CodeIdempotencyConflict, CodeSagaVersionConflict, CodeSagaTerminal:
		return http.StatusConflict
	case CodeInternal, CodeUnknown, CodeStepFailed:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeInventoryUnavailable,
		CodeNotificationUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrOrderNotFound    = New(CodeOrderNotFound, "order not found")
	ErrSagaNotFound     = New(CodeSagaNotFound, "saga not found")
	ErrSagaTerminal     = New(CodeSagaTerminal, "saga already in terminal status")
	ErrDuplicateEvent   = New(CodeDuplicateEvent, "event already processed")
	ErrSystemBusy       = New(CodeSystemBusy, "system busy, please retry")
)
