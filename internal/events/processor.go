package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orderlife/order/internal/metrics"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/pkg/logger"
)

// Ledger 幂等账本：原子认领是唯一的正确性保证
type Ledger interface {
	ClaimTx(ctx context.Context, tx *sql.Tx, event *repository.ProcessedEvent) (bool, error)
}

// DedupCache 账本前置的易失缓存
type DedupCache interface {
	Seen(ctx context.Context, consumerGroup, eventID string) (bool, string, error)
	MarkProcessed(ctx context.Context, consumerGroup, eventID, outcome string) error
}

// Applier 调用方提供的副作用，在认领事务内执行
type Applier func(ctx context.Context, tx *sql.Tx) error

// Processor 幂等事件处理器。
// 同一事件 ID 无论投递多少次、多少个并发消费者，apply 至多执行一次。
type Processor struct {
	db      *sql.DB
	ledger  Ledger
	cache   DedupCache
	group   string
	name    string
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewProcessor 创建处理器。cache 和 metricsClient 可为 nil。
func NewProcessor(db *sql.DB, ledger Ledger, cache DedupCache, consumerGroup, consumerName string, metricsClient *metrics.Metrics, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.New("event-processor", nil)
	}
	return &Processor{
		db:      db,
		ledger:  ledger,
		cache:   cache,
		group:   consumerGroup,
		name:    consumerName,
		metrics: metricsClient,
		log:     log,
	}
}

// Handle 处理一个入站事件。返回 applied=false 表示重复投递被去重。
// resultStatus 记录进账本，作为该事件生效后的状态快照。
//
// 认领和 apply 在同一数据库事务内提交：apply 失败则认领一并回滚，
// 不会出现"已认领但副作用未生效"的悬挂状态。
func (p *Processor) Handle(ctx context.Context, env *Envelope, resultStatus string, apply Applier) (bool, error) {
	start := time.Now()
	if p.metrics != nil {
		defer func() { p.metrics.ObserveHandleLatency(time.Since(start)) }()
	}

	// 快路径：缓存命中直接跳过，省一次数据库往返
	if p.cache != nil {
		seen, _, err := p.cache.Seen(ctx, p.group, env.EventID)
		if err != nil {
			// 缓存故障不影响正确性，降级到账本
			p.log.WithError(err).WithField("eventId", env.EventID).Warn("idempotency cache lookup failed")
		} else if seen {
			if p.metrics != nil {
				p.metrics.IncEventsDuplicate(env.EventType, "cache")
			}
			return false, nil
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	claimed, err := p.ledger.ClaimTx(ctx, tx, &repository.ProcessedEvent{
		EventID:         env.EventID,
		ConsumerGroup:   p.group,
		AggregateID:     fmt.Sprintf("%d", env.OrderID),
		EventType:       env.EventType,
		ResultStatus:    resultStatus,
		Processor:       p.name,
		ExpectedVersion: env.Version,
		CreatedAtMs:     time.Now().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", env.EventID, err)
	}
	if !claimed {
		if p.metrics != nil {
			p.metrics.IncEventsDuplicate(env.EventType, "ledger")
		}
		p.populateCache(ctx, env, resultStatus)
		return false, nil
	}

	if apply != nil {
		if err := apply(ctx, tx); err != nil {
			return false, fmt.Errorf("apply event %s: %w", env.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event %s: %w", env.EventID, err)
	}

	if p.metrics != nil {
		p.metrics.IncEventsProcessed(env.EventType)
	}
	p.populateCache(ctx, env, resultStatus)
	return true, nil
}

func (p *Processor) populateCache(ctx context.Context, env *Envelope, outcome string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.MarkProcessed(ctx, p.group, env.EventID, outcome); err != nil {
		p.log.WithError(err).WithField("eventId", env.EventID).Warn("idempotency cache populate failed")
	}
}
