package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/orderlife/order/internal/repository"
)

// ActionFunc 步骤动作实现。正向与补偿动作共用同一签名。
type ActionFunc func(ctx context.Context, instance *repository.SagaInstance, step *repository.SagaStep) error

// Executor 按名分发步骤动作。服务层在启动时注册全部实现。
type Executor struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewExecutor 创建执行器
func NewExecutor() *Executor {
	return &Executor{actions: make(map[string]ActionFunc)}
}

// Register 注册动作实现，重复注册后者覆盖前者
func (e *Executor) Register(action string, fn ActionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[action] = fn
}

// Execute 执行指定动作。未注册的动作是配置错误，不可重试。
func (e *Executor) Execute(ctx context.Context, action string, instance *repository.SagaInstance, step *repository.SagaStep) error {
	e.mu.RLock()
	fn, ok := e.actions[action]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("action not registered: %s", action)
	}
	return fn(ctx, instance, step)
}
