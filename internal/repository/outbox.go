package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrOutboxEventNotFound = errors.New("outbox event not found")
)

// OutboxEvent 待发布事件，与产生它的业务变更在同一事务内写入
type OutboxEvent struct {
	EventID       string
	AggregateID   string
	EventType     string
	Payload       []byte
	PartitionKey  string
	CreatedAtMs   int64
	Processed     bool
	ProcessedAtMs int64
	Dead          bool
	RetryCount    int
}

// OutboxStats 运维统计
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Dead      int64 `json:"dead"`
}

// OutboxRepository outbox 仓储
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository 创建仓储
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertTx 在业务事务内写入事件。payload 写入后不可变，重放必然产生相同消息。
func (r *OutboxRepository) InsertTx(ctx context.Context, tx *sql.Tx, event *OutboxEvent) error {
	query := `
		INSERT INTO order_lifecycle.outbox_events
		(event_id, aggregate_id, event_type, payload, partition_key, created_at_ms,
		 processed, processed_at_ms, dead, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, false, NULL, false, 0)
	`
	_, err := tx.ExecContext(ctx, query,
		event.EventID, event.AggregateID, event.EventType, event.Payload,
		event.PartitionKey, event.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ClaimPendingTx 在事务内认领一批待发布事件，按创建时间升序。
// 每个聚合每轮只认领最旧的一条；头部行被其它副本锁住时 SKIP LOCKED
// 会跳过整个聚合，因此多副本下同一聚合仍严格按创建序发布。
func (r *OutboxRepository) ClaimPendingTx(ctx context.Context, tx *sql.Tx, batchSize int) ([]*OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	query := `
		SELECT event_id, aggregate_id, event_type, payload, partition_key, created_at_ms,
		       processed, processed_at_ms, dead, retry_count
		FROM order_lifecycle.outbox_events
		WHERE processed = false AND dead = false
		  AND event_id IN (
			SELECT DISTINCT ON (aggregate_id) event_id
			FROM order_lifecycle.outbox_events
			WHERE processed = false AND dead = false
			ORDER BY aggregate_id, created_at_ms ASC
			LIMIT $1
		  )
		ORDER BY created_at_ms ASC
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkProcessedTx 标记事件已发布。死信事件被手动重投成功后不再是死信。
func (r *OutboxRepository) MarkProcessedTx(ctx context.Context, tx *sql.Tx, eventID string, processedAtMs int64) error {
	query := `
		UPDATE order_lifecycle.outbox_events
		SET processed = true, processed_at_ms = $1, dead = false
		WHERE event_id = $2
	`
	result, err := tx.ExecContext(ctx, query, processedAtMs, eventID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// MarkFailedTx 发布失败：重试计数加一，达到上限后标记为死信（不再参与轮询）
func (r *OutboxRepository) MarkFailedTx(ctx context.Context, tx *sql.Tx, eventID string, dead bool) error {
	query := `
		UPDATE order_lifecycle.outbox_events
		SET retry_count = retry_count + 1, dead = $1
		WHERE event_id = $2
	`
	result, err := tx.ExecContext(ctx, query, dead, eventID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// GetEvent 获取单个事件（运维接口使用）
func (r *OutboxRepository) GetEvent(ctx context.Context, eventID string) (*OutboxEvent, error) {
	query := `
		SELECT event_id, aggregate_id, event_type, payload, partition_key, created_at_ms,
		       processed, processed_at_ms, dead, retry_count
		FROM order_lifecycle.outbox_events
		WHERE event_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrOutboxEventNotFound
	}
	return scanOutboxEvent(rows)
}

// GetEventForPublishTx 在事务内锁定单个事件（手动触发发布）
func (r *OutboxRepository) GetEventForPublishTx(ctx context.Context, tx *sql.Tx, eventID string) (*OutboxEvent, error) {
	query := `
		SELECT event_id, aggregate_id, event_type, payload, partition_key, created_at_ms,
		       processed, processed_at_ms, dead, retry_count
		FROM order_lifecycle.outbox_events
		WHERE event_id = $1
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event for publish: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrOutboxEventNotFound
	}
	return scanOutboxEvent(rows)
}

// Stats 返回 pending/processed/dead 统计
func (r *OutboxRepository) Stats(ctx context.Context) (*OutboxStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed = false AND dead = false),
			COUNT(*) FILTER (WHERE processed = true),
			COUNT(*) FILTER (WHERE dead = true)
		FROM order_lifecycle.outbox_events
	`
	var s OutboxStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&s.Pending, &s.Processed, &s.Dead); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return &s, nil
}

// DeleteProcessedBefore 删除保留期外的已发布事件
func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	query := `
		DELETE FROM order_lifecycle.outbox_events
		WHERE processed = true AND processed_at_ms < $1
	`
	result, err := r.db.ExecContext(ctx, query, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete processed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxEvent(row rowScanner) (*OutboxEvent, error) {
	var ev OutboxEvent
	var processedAt sql.NullInt64
	err := row.Scan(
		&ev.EventID, &ev.AggregateID, &ev.EventType, &ev.Payload,
		&ev.PartitionKey, &ev.CreatedAtMs, &ev.Processed, &processedAt,
		&ev.Dead, &ev.RetryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	ev.ProcessedAtMs = processedAt.Int64
	return &ev, nil
}
