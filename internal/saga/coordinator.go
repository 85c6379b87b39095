package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orderlife/order/internal/metrics"
	"github.com/orderlife/order/internal/repository"
	apperrors "github.com/orderlife/order/pkg/errors"
	"github.com/orderlife/order/pkg/logger"
)

// CoordinatorOptions 协调器选项
type CoordinatorOptions struct {
	MaxRetries int // 正向执行失败后的 saga 级重试预算
}

// DefaultCoordinatorOptions 默认选项
var DefaultCoordinatorOptions = CoordinatorOptions{
	MaxRetries: 3,
}

// Store saga 持久化接口，*repository.SagaRepository 实现之
type Store interface {
	CreateSaga(ctx context.Context, instance *repository.SagaInstance, steps []*repository.SagaStep) error
	CreateSagaTx(ctx context.Context, tx *sql.Tx, instance *repository.SagaInstance, steps []*repository.SagaStep) error
	GetSaga(ctx context.Context, sagaID string) (*repository.SagaInstance, error)
	UpdateSagaCAS(ctx context.Context, instance *repository.SagaInstance) error
	GetSteps(ctx context.Context, sagaID string) ([]*repository.SagaStep, error)
	UpdateStep(ctx context.Context, step *repository.SagaStep) error
}

// Coordinator saga 协调器。
// 实例状态的每次变更都走版本 CAS：过期的协调器（崩溃后重启的旧副本、
// 与恢复扫描并发的写入）会拿到 ErrVersionConflict 并立即放手。
type Coordinator struct {
	sagas    Store
	executor *Executor
	opts     CoordinatorOptions
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewCoordinator 创建协调器。metricsClient 可为 nil。
func NewCoordinator(sagas Store, executor *Executor, opts *CoordinatorOptions, metricsClient *metrics.Metrics, log *logger.Logger) *Coordinator {
	merged := DefaultCoordinatorOptions
	if opts != nil && opts.MaxRetries > 0 {
		merged.MaxRetries = opts.MaxRetries
	}
	if log == nil {
		log = logger.New("saga-coordinator", nil)
	}
	return &Coordinator{
		sagas:    sagas,
		executor: executor,
		opts:     merged,
		metrics:  metricsClient,
		log:      log,
	}
}

// PrepareTx 在调用方事务内创建 STARTED 状态的实例及全部 PENDING 步骤。
// 事件认领和 saga 创建由此进入同一事务；提交后由 Resume 或恢复扫描驱动。
// payload 是请求事件的负载，其中的字段（如取消原因）会并入每个步骤的负载。
func (c *Coordinator) PrepareTx(ctx context.Context, tx *sql.Tx, sagaType string, orderID int64, payload json.RawMessage) (string, error) {
	defs, err := StepsFor(sagaType)
	if err != nil {
		return "", err
	}

	sagaID := uuid.New().String()
	instance := &repository.SagaInstance{
		SagaID:      sagaID,
		SagaType:    sagaType,
		Status:      repository.SagaStatusStarted,
		OrderID:     orderID,
		CurrentStep: 0,
		MaxRetries:  c.opts.MaxRetries,
		Version:     0,
		StartedAtMs: time.Now().UnixMilli(),
	}
	if err := c.sagas.CreateSagaTx(ctx, tx, instance, buildSteps(sagaID, stepPayload(orderID, payload), defs)); err != nil {
		return "", err
	}

	if c.metrics != nil {
		c.metrics.IncSagaStarted(sagaType)
	}
	return sagaID, nil
}

// Start 创建实例并同步执行。返回 sagaID；执行错误不影响实例已创建的事实。
func (c *Coordinator) Start(ctx context.Context, sagaType string, orderID int64) (string, error) {
	defs, err := StepsFor(sagaType)
	if err != nil {
		return "", err
	}

	sagaID := uuid.New().String()
	instance := &repository.SagaInstance{
		SagaID:      sagaID,
		SagaType:    sagaType,
		Status:      repository.SagaStatusStarted,
		OrderID:     orderID,
		MaxRetries:  c.opts.MaxRetries,
		StartedAtMs: time.Now().UnixMilli(),
	}
	if err := c.sagas.CreateSaga(ctx, instance, buildSteps(sagaID, stepPayload(orderID, nil), defs)); err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.IncSagaStarted(sagaType)
	}

	return sagaID, c.Resume(ctx, sagaID)
}

// Resume 从持久化状态继续推进 saga。幂等：已完成的步骤不会重新执行，
// 终态实例直接返回。协调器崩溃后恢复扫描用它接管。
func (c *Coordinator) Resume(ctx context.Context, sagaID string) error {
	instance, err := c.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if repository.IsTerminalSagaStatus(instance.Status) {
		return nil
	}

	steps, err := c.sagas.GetSteps(ctx, sagaID)
	if err != nil {
		return err
	}

	ctx = logger.ContextWithSagaID(ctx, sagaID)

	switch instance.Status {
	case repository.SagaStatusStarted, repository.SagaStatusInProgress:
		return c.runForward(ctx, instance, steps)
	case repository.SagaStatusFailed:
		if instance.RetryCount >= instance.MaxRetries {
			return c.compensate(ctx, instance, steps)
		}
		// 整个 saga 从头重跑；已完成的步骤在正向循环里被跳过
		instance.Status = repository.SagaStatusInProgress
		instance.CurrentStep = 0
		instance.RetryCount++
		if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
			return err
		}
		return c.runForward(ctx, instance, steps)
	case repository.SagaStatusCompensating:
		return c.compensate(ctx, instance, steps)
	default:
		return fmt.Errorf("saga %s in unexpected status %s", sagaID, instance.Status)
	}
}

// Compensate 手动触发补偿（运维接口）。非终态实例直接进入补偿流程。
func (c *Coordinator) Compensate(ctx context.Context, sagaID string) error {
	instance, err := c.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if repository.IsTerminalSagaStatus(instance.Status) {
		return apperrors.ErrSagaTerminal
	}
	steps, err := c.sagas.GetSteps(ctx, sagaID)
	if err != nil {
		return err
	}
	return c.compensate(logger.ContextWithSagaID(ctx, sagaID), instance, steps)
}

// Retry 手动重试 FAILED 实例（运维接口）。不占用自动重试预算。
func (c *Coordinator) Retry(ctx context.Context, sagaID string) error {
	instance, err := c.sagas.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance.Status != repository.SagaStatusFailed {
		return apperrors.Newf(apperrors.CodeInvalidRequest, "saga %s is %s, only FAILED sagas can be retried", sagaID, instance.Status)
	}
	steps, err := c.sagas.GetSteps(ctx, sagaID)
	if err != nil {
		return err
	}

	instance.Status = repository.SagaStatusInProgress
	instance.LastError = ""
	if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
		return err
	}
	return c.runForward(logger.ContextWithSagaID(ctx, sagaID), instance, steps)
}

// runForward 从 CurrentStep 起顺序执行正向动作
func (c *Coordinator) runForward(ctx context.Context, instance *repository.SagaInstance, steps []*repository.SagaStep) error {
	if instance.Status == repository.SagaStatusStarted {
		instance.Status = repository.SagaStatusInProgress
		if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
			return err
		}
	}

	for i := instance.CurrentStep; i < len(steps); i++ {
		step := steps[i]
		if step.Status == repository.StepStatusCompleted {
			// 恢复路径：已完成的步骤不重放
			continue
		}

		step.Status = repository.StepStatusInProgress
		step.StartedAtMs = time.Now().UnixMilli()
		if err := c.sagas.UpdateStep(ctx, step); err != nil {
			return err
		}

		if err := c.executor.Execute(ctx, step.ForwardAction, instance, step); err != nil {
			return c.onStepFailure(ctx, instance, steps, step, err)
		}

		step.Status = repository.StepStatusCompleted
		step.CompletedAtMs = time.Now().UnixMilli()
		if err := c.sagas.UpdateStep(ctx, step); err != nil {
			return err
		}

		instance.CurrentStep = i + 1
		if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
			return err
		}
	}

	instance.Status = repository.SagaStatusCompleted
	instance.CompletedAtMs = time.Now().UnixMilli()
	if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.IncSagaCompleted(instance.SagaType)
		c.observeDuration(instance)
	}
	c.log.WithContext(ctx).Infof("saga completed", map[string]interface{}{
		"sagaType": instance.SagaType,
		"orderId":  instance.OrderID,
	})
	return nil
}

// onStepFailure 记录失败并决定去向：可重试且预算未尽则停在 FAILED 等待重试，
// 否则立即补偿。
func (c *Coordinator) onStepFailure(ctx context.Context, instance *repository.SagaInstance, steps []*repository.SagaStep, step *repository.SagaStep, stepErr error) error {
	step.Status = repository.StepStatusFailed
	step.ErrorMessage = stepErr.Error()
	step.RetryCount++
	if err := c.sagas.UpdateStep(ctx, step); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.IncSagaStepFailed(instance.SagaType, step.Name)
	}
	c.log.WithContext(ctx).WithError(stepErr).Errorf("saga step failed", map[string]interface{}{
		"sagaType": instance.SagaType,
		"step":     step.Name,
		"orderId":  instance.OrderID,
	})

	instance.LastError = stepErr.Error()

	if retryableError(stepErr) && instance.RetryCount < instance.MaxRetries {
		instance.Status = repository.SagaStatusFailed
		if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
			return err
		}
		return fmt.Errorf("step %s failed, saga awaiting retry: %w", step.Name, stepErr)
	}

	if err := c.compensate(ctx, instance, steps); err != nil {
		return err
	}
	return nil
}

// compensate 按倒序补偿已完成的步骤。
// 补偿是尽力而为：单步补偿失败只记录错误，不阻断其余步骤，也不在本轮内重试。
func (c *Coordinator) compensate(ctx context.Context, instance *repository.SagaInstance, steps []*repository.SagaStep) error {
	if instance.Status != repository.SagaStatusCompensating {
		instance.Status = repository.SagaStatusCompensating
		if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
			return err
		}
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != repository.StepStatusCompleted {
			// 未完成的步骤没有需要回滚的副作用
			continue
		}

		if step.CompensateAction != "" {
			if err := c.executor.Execute(ctx, step.CompensateAction, instance, step); err != nil {
				step.ErrorMessage = err.Error()
				step.RetryCount++
				if uErr := c.sagas.UpdateStep(ctx, step); uErr != nil {
					return uErr
				}
				instance.LastError = err.Error()
				c.log.WithContext(ctx).WithError(err).Errorf("saga compensation step failed", map[string]interface{}{
					"sagaType": instance.SagaType,
					"step":     step.Name,
					"orderId":  instance.OrderID,
				})
				continue
			}
		}

		step.Status = repository.StepStatusCompensated
		step.CompletedAtMs = time.Now().UnixMilli()
		if err := c.sagas.UpdateStep(ctx, step); err != nil {
			return err
		}
	}

	instance.Status = repository.SagaStatusCompensated
	instance.CompletedAtMs = time.Now().UnixMilli()
	if err := c.sagas.UpdateSagaCAS(ctx, instance); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.IncSagaCompensated(instance.SagaType)
		c.observeDuration(instance)
	}
	c.log.WithContext(ctx).Warnf("saga compensated", map[string]interface{}{
		"sagaType":  instance.SagaType,
		"orderId":   instance.OrderID,
		"lastError": instance.LastError,
	})
	return nil
}

func (c *Coordinator) observeDuration(instance *repository.SagaInstance) {
	d := time.Duration(instance.CompletedAtMs-instance.StartedAtMs) * time.Millisecond
	if d < 0 {
		d = 0
	}
	c.metrics.ObserveSagaDuration(instance.SagaType, d)
}

// retryableError 步骤错误分类：业务错误（如库存不足）不可重试，
// 基础设施错误和未知错误按可重试处理。
func retryableError(err error) bool {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}
