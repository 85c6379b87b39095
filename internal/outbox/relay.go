// Package outbox 事务性 outbox 的发布中继与保留清理
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orderlife/order/internal/metrics"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/pkg/health"
	"github.com/orderlife/order/pkg/logger"
)

// Publisher 消息总线发布接口，*stream.Client 实现之
type Publisher interface {
	Publish(ctx context.Context, stream, key string, payload []byte) (string, error)
}

// RelayOptions 中继选项
type RelayOptions struct {
	PollInterval time.Duration // 轮询间隔
	BatchSize    int           // 每批认领的事件数
	MaxRetries   int           // 发布重试上限，达到后标记死信
}

// DefaultRelayOptions 默认选项
var DefaultRelayOptions = RelayOptions{
	PollInterval: 500 * time.Millisecond,
	BatchSize:    50,
	MaxRetries:   5,
}

// Relay 轮询 outbox 表并把待发布事件推上消息总线。
// 至少一次投递：发布成功但标记失败时，事件会被重新发布，由消费侧去重。
type Relay struct {
	db        *sql.DB
	repo      *repository.OutboxRepository
	publisher Publisher
	opts      RelayOptions
	metrics   *metrics.Metrics
	log       *logger.Logger

	// Monitor 暴露给健康检查
	Monitor health.LoopMonitor
}

// NewRelay 创建中继。metricsClient 可为 nil。
func NewRelay(db *sql.DB, repo *repository.OutboxRepository, publisher Publisher, opts *RelayOptions, metricsClient *metrics.Metrics, log *logger.Logger) *Relay {
	merged := DefaultRelayOptions
	if opts != nil {
		if opts.PollInterval > 0 {
			merged.PollInterval = opts.PollInterval
		}
		if opts.BatchSize > 0 {
			merged.BatchSize = opts.BatchSize
		}
		if opts.MaxRetries > 0 {
			merged.MaxRetries = opts.MaxRetries
		}
	}
	if log == nil {
		log = logger.New("outbox-relay", nil)
	}
	return &Relay{
		db:        db,
		repo:      repo,
		publisher: publisher,
		opts:      merged,
		metrics:   metricsClient,
		log:       log,
	}
}

// Start 启动轮询循环，阻塞直到 ctx 取消
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.log.Infof("outbox relay started", map[string]interface{}{
		"pollInterval": r.opts.PollInterval.String(),
		"batchSize":    r.opts.BatchSize,
	})

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("relay tick panic: %v", rec)
			r.Monitor.SetError(err)
			r.log.WithError(err).Error("outbox relay tick panicked")
		}
	}()

	r.Monitor.Tick()
	if _, err := r.PublishPending(ctx); err != nil && ctx.Err() == nil {
		r.Monitor.SetError(err)
		r.log.WithError(err).Error("outbox relay tick failed")
	}
	r.updatePendingGauge(ctx)
}

// PublishPending 认领一批待发布事件并逐条发布。
// 认领、标记与提交在同一事务内，SKIP LOCKED 使多副本互不阻塞。
// 返回本批成功发布的事件数。
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	events, err := r.repo.ClaimPendingTx(ctx, tx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, tx.Commit()
	}

	published := 0
	for _, ev := range events {
		if err := r.publishOne(ctx, tx, ev); err != nil {
			r.log.WithError(err).Warnf("outbox publish failed", map[string]interface{}{
				"eventId":    ev.EventID,
				"eventType":  ev.EventType,
				"retryCount": ev.RetryCount,
			})
			continue
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func (r *Relay) publishOne(ctx context.Context, tx *sql.Tx, ev *repository.OutboxEvent) error {
	_, err := r.publisher.Publish(ctx, ev.EventType, ev.PartitionKey, ev.Payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncOutboxFailed(ev.EventType)
		}
		dead := ev.RetryCount+1 >= r.opts.MaxRetries
		if markErr := r.repo.MarkFailedTx(ctx, tx, ev.EventID, dead); markErr != nil {
			return fmt.Errorf("mark failed after publish error %v: %w", err, markErr)
		}
		if dead {
			if r.metrics != nil {
				r.metrics.IncOutboxDead()
			}
			r.log.Errorf("outbox event dead-lettered", map[string]interface{}{
				"eventId":   ev.EventID,
				"eventType": ev.EventType,
				"retries":   ev.RetryCount + 1,
			})
		}
		return err
	}

	if err := r.repo.MarkProcessedTx(ctx, tx, ev.EventID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.IncOutboxPublished(ev.EventType)
	}
	return nil
}

// PublishEvent 手动发布单个事件（运维接口）。死信事件也可以由此重新投递。
func (r *Relay) PublishEvent(ctx context.Context, eventID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ev, err := r.repo.GetEventForPublishTx(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if ev.Processed {
		return fmt.Errorf("event %s already published", eventID)
	}

	if _, err := r.publisher.Publish(ctx, ev.EventType, ev.PartitionKey, ev.Payload); err != nil {
		return fmt.Errorf("publish event %s: %w", eventID, err)
	}
	if err := r.repo.MarkProcessedTx(ctx, tx, ev.EventID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.IncOutboxPublished(ev.EventType)
	}
	return tx.Commit()
}

func (r *Relay) updatePendingGauge(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("outbox stats query failed")
		}
		return
	}
	r.metrics.SetOutboxPending(float64(stats.Pending))
}
