package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrProcessedEventNotFound = errors.New("processed event not found")

// ProcessedEvent 幂等账本条目。创建即去重门闩：同一 (event_id, consumer_group)
// 的第二次写入不生效，也不报错。
type ProcessedEvent struct {
	EventID         string
	ConsumerGroup   string
	AggregateID     string
	EventType       string
	ResultStatus    string
	Processor       string
	ExpectedVersion int64
	CreatedAtMs     int64
}

// LedgerRepository 幂等账本仓储
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository 创建仓储
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ClaimTx 原子认领：insert-if-absent。返回 false 表示该事件已被认领过。
// 并发或重复投递时恰好一个调用者认领成功，正确性完全依赖这里的原子性。
func (r *LedgerRepository) ClaimTx(ctx context.Context, tx *sql.Tx, event *ProcessedEvent) (bool, error) {
	query := `
		INSERT INTO order_lifecycle.processed_events
		(event_id, consumer_group, aggregate_id, event_type, result_status,
		 processor, expected_version, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id, consumer_group) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		event.EventID, event.ConsumerGroup, event.AggregateID, event.EventType,
		event.ResultStatus, event.Processor, event.ExpectedVersion, event.CreatedAtMs,
	)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return rows == 1, nil
}

// Get 查询账本条目
func (r *LedgerRepository) Get(ctx context.Context, eventID, consumerGroup string) (*ProcessedEvent, error) {
	query := `
		SELECT event_id, consumer_group, aggregate_id, event_type, result_status,
		       processor, expected_version, created_at_ms
		FROM order_lifecycle.processed_events
		WHERE event_id = $1 AND consumer_group = $2
	`
	var e ProcessedEvent
	err := r.db.QueryRowContext(ctx, query, eventID, consumerGroup).Scan(
		&e.EventID, &e.ConsumerGroup, &e.AggregateID, &e.EventType,
		&e.ResultStatus, &e.Processor, &e.ExpectedVersion, &e.CreatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProcessedEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processed event: %w", err)
	}
	return &e, nil
}

// Count 账本条目总数（管理接口使用）
func (r *LedgerRepository) Count(ctx context.Context, consumerGroup string) (int64, error) {
	query := `SELECT COUNT(*) FROM order_lifecycle.processed_events WHERE consumer_group = $1`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, consumerGroup).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed events: %w", err)
	}
	return n, nil
}
