package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrStepNotFound    = errors.New("saga step not found")
	ErrVersionConflict = errors.New("saga version conflict")
	ErrDuplicateSagaID = errors.New("duplicate saga id")
)

// Saga 类型
const (
	SagaTypeOrderProcessing   = "ORDER_PROCESSING"
	SagaTypeOrderCancellation = "ORDER_CANCELLATION"
)

// Saga 状态
const (
	SagaStatusStarted      = "STARTED"
	SagaStatusInProgress   = "IN_PROGRESS"
	SagaStatusCompleted    = "COMPLETED"
	SagaStatusFailed       = "FAILED"
	SagaStatusCompensating = "COMPENSATING"
	SagaStatusCompensated  = "COMPENSATED"
)

// 步骤状态
const (
	StepStatusPending     = "PENDING"
	StepStatusInProgress  = "IN_PROGRESS"
	StepStatusCompleted   = "COMPLETED"
	StepStatusFailed      = "FAILED"
	StepStatusCompensated = "COMPENSATED"
)

// IsTerminalSagaStatus 终态判断：终态后不再允许任何变更
func IsTerminalSagaStatus(status string) bool {
	return status == SagaStatusCompleted || status == SagaStatusCompensated
}

// SagaInstance saga 实例
type SagaInstance struct {
	SagaID        string
	SagaType      string
	Status        string
	OrderID       int64
	CurrentStep   int
	LastError     string
	RetryCount    int
	MaxRetries    int
	Version       int64
	StartedAtMs   int64
	CompletedAtMs int64
}

// SagaStep saga 步骤，按 StepIndex 有序归属于一个实例
type SagaStep struct {
	SagaID           string
	StepIndex        int
	Name             string
	Service          string
	ForwardAction    string
	CompensateAction string
	Status           string
	ErrorMessage     string
	RetryCount       int
	Payload          string
	StartedAtMs      int64
	CompletedAtMs    int64
}

// SagaRepository saga 仓储
type SagaRepository struct {
	db *sql.DB
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// CreateSaga 创建实例及其全部步骤（单事务）
func (r *SagaRepository) CreateSaga(ctx context.Context, instance *SagaInstance, steps []*SagaStep) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.CreateSagaTx(ctx, tx, instance, steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateSagaTx 在调用方事务内创建实例及步骤。
// 幂等处理器用它把 saga 创建和事件认领放进同一事务。
func (r *SagaRepository) CreateSagaTx(ctx context.Context, tx *sql.Tx, instance *SagaInstance, steps []*SagaStep) error {
	instanceQuery := `
		INSERT INTO order_lifecycle.saga_instances
		(saga_id, saga_type, status, order_id, current_step, last_error,
		 retry_count, max_retries, version, started_at_ms, completed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)
	`
	_, err := tx.ExecContext(ctx, instanceQuery,
		instance.SagaID, instance.SagaType, instance.Status, instance.OrderID,
		instance.CurrentStep, instance.LastError, instance.RetryCount,
		instance.MaxRetries, instance.Version, instance.StartedAtMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSagaID
		}
		return fmt.Errorf("insert saga instance: %w", err)
	}

	stepQuery := `
		INSERT INTO order_lifecycle.saga_steps
		(saga_id, step_index, name, service, forward_action, compensate_action,
		 status, error_message, retry_count, payload, started_at_ms, completed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL)
	`
	for _, step := range steps {
		_, err = tx.ExecContext(ctx, stepQuery,
			step.SagaID, step.StepIndex, step.Name, step.Service,
			step.ForwardAction, step.CompensateAction, step.Status,
			step.ErrorMessage, step.RetryCount, step.Payload,
		)
		if err != nil {
			return fmt.Errorf("insert saga step %d: %w", step.StepIndex, err)
		}
	}
	return nil
}

// GetSaga 获取实例
func (r *SagaRepository) GetSaga(ctx context.Context, sagaID string) (*SagaInstance, error) {
	query := `
		SELECT saga_id, saga_type, status, order_id, current_step, last_error,
		       retry_count, max_retries, version, started_at_ms, completed_at_ms
		FROM order_lifecycle.saga_instances
		WHERE saga_id = $1
	`
	return scanSagaInstance(r.db.QueryRowContext(ctx, query, sagaID))
}

// UpdateSagaCAS 带乐观锁版本比较的实例更新。
// 版本不匹配返回 ErrVersionConflict，过期的协调器/恢复器写入会干净地失败。
func (r *SagaRepository) UpdateSagaCAS(ctx context.Context, instance *SagaInstance) error {
	query := `
		UPDATE order_lifecycle.saga_instances
		SET status = $1, current_step = $2, last_error = $3, retry_count = $4,
		    completed_at_ms = $5, version = version + 1
		WHERE saga_id = $6 AND version = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		instance.Status, instance.CurrentStep, instance.LastError,
		instance.RetryCount, nullInt64(instance.CompletedAtMs),
		instance.SagaID, instance.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// 区分不存在与版本冲突
		if _, getErr := r.GetSaga(ctx, instance.SagaID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	instance.Version++
	return nil
}

// GetSteps 按序获取步骤
func (r *SagaRepository) GetSteps(ctx context.Context, sagaID string) ([]*SagaStep, error) {
	query := `
		SELECT saga_id, step_index, name, service, forward_action, compensate_action,
		       status, error_message, retry_count, payload, started_at_ms, completed_at_ms
		FROM order_lifecycle.saga_steps
		WHERE saga_id = $1
		ORDER BY step_index ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []*SagaStep
	for rows.Next() {
		var s SagaStep
		var startedAt, completedAt sql.NullInt64
		if err := rows.Scan(
			&s.SagaID, &s.StepIndex, &s.Name, &s.Service, &s.ForwardAction,
			&s.CompensateAction, &s.Status, &s.ErrorMessage, &s.RetryCount,
			&s.Payload, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.StartedAtMs = startedAt.Int64
		s.CompletedAtMs = completedAt.Int64
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

// UpdateStep 更新单个步骤
func (r *SagaRepository) UpdateStep(ctx context.Context, step *SagaStep) error {
	query := `
		UPDATE order_lifecycle.saga_steps
		SET status = $1, error_message = $2, retry_count = $3,
		    started_at_ms = $4, completed_at_ms = $5
		WHERE saga_id = $6 AND step_index = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		step.Status, step.ErrorMessage, step.RetryCount,
		nullInt64(step.StartedAtMs), nullInt64(step.CompletedAtMs),
		step.SagaID, step.StepIndex,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStepNotFound
	}
	return nil
}

// ListNonTerminal 列出非终态实例（恢复扫描使用）。
// staleBeforeMs 过滤掉刚启动、可能仍有协调器在跑的实例。
func (r *SagaRepository) ListNonTerminal(ctx context.Context, staleBeforeMs int64, limit int) ([]*SagaInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT saga_id, saga_type, status, order_id, current_step, last_error,
		       retry_count, max_retries, version, started_at_ms, completed_at_ms
		FROM order_lifecycle.saga_instances
		WHERE status IN ($1, $2, $3, $4)
		  AND started_at_ms < $5
		ORDER BY started_at_ms ASC
		LIMIT $6
	`
	rows, err := r.db.QueryContext(ctx, query,
		SagaStatusStarted, SagaStatusInProgress, SagaStatusFailed,
		SagaStatusCompensating, staleBeforeMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sagas: %w", err)
	}
	defer rows.Close()
	return collectSagaInstances(rows)
}

// ListByOrder 按订单列出实例
func (r *SagaRepository) ListByOrder(ctx context.Context, orderID int64) ([]*SagaInstance, error) {
	query := `
		SELECT saga_id, saga_type, status, order_id, current_step, last_error,
		       retry_count, max_retries, version, started_at_ms, completed_at_ms
		FROM order_lifecycle.saga_instances
		WHERE order_id = $1
		ORDER BY started_at_ms DESC
	`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list sagas by order: %w", err)
	}
	defer rows.Close()
	return collectSagaInstances(rows)
}

// ListByStatus 按状态列出实例（管理接口使用）
func (r *SagaRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*SagaInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT saga_id, saga_type, status, order_id, current_step, last_error,
		       retry_count, max_retries, version, started_at_ms, completed_at_ms
		FROM order_lifecycle.saga_instances
		WHERE status = $1
		ORDER BY started_at_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sagas by status: %w", err)
	}
	defer rows.Close()
	return collectSagaInstances(rows)
}

func collectSagaInstances(rows *sql.Rows) ([]*SagaInstance, error) {
	var instances []*SagaInstance
	for rows.Next() {
		var s SagaInstance
		var completedAt sql.NullInt64
		if err := rows.Scan(
			&s.SagaID, &s.SagaType, &s.Status, &s.OrderID, &s.CurrentStep,
			&s.LastError, &s.RetryCount, &s.MaxRetries, &s.Version,
			&s.StartedAtMs, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		s.CompletedAtMs = completedAt.Int64
		instances = append(instances, &s)
	}
	return instances, rows.Err()
}

func scanSagaInstance(row *sql.Row) (*SagaInstance, error) {
	var s SagaInstance
	var completedAt sql.NullInt64
	err := row.Scan(
		&s.SagaID, &s.SagaType, &s.Status, &s.OrderID, &s.CurrentStep,
		&s.LastError, &s.RetryCount, &s.MaxRetries, &s.Version,
		&s.StartedAtMs, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga instance: %w", err)
	}
	s.CompletedAtMs = completedAt.Int64
	return &s, nil
}
