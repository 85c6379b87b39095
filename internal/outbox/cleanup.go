package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/pkg/logger"
)

// Cleaner 按保留期删除已发布的 outbox 事件。
// 死信事件不删，留给运维排查或手动重发。
type Cleaner struct {
	repo      *repository.OutboxRepository
	retention time.Duration
	cronSpec  string
	log       *logger.Logger
	cron      *cron.Cron
}

// NewCleaner 创建清理器
func NewCleaner(repo *repository.OutboxRepository, retention time.Duration, cronSpec string, log *logger.Logger) *Cleaner {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	if cronSpec == "" {
		cronSpec = "0 3 * * *"
	}
	if log == nil {
		log = logger.New("outbox-cleaner", nil)
	}
	return &Cleaner{
		repo:      repo,
		retention: retention,
		cronSpec:  cronSpec,
		log:       log,
	}
}

// Start 注册定时任务并启动调度器
func (c *Cleaner) Start(ctx context.Context) error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.cronSpec, func() {
		if _, err := c.RunOnce(ctx); err != nil {
			c.log.WithError(err).Error("outbox cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}
	c.cron.Start()
	c.log.Infof("outbox cleaner started", map[string]interface{}{
		"cron":      c.cronSpec,
		"retention": c.retention.String(),
	})
	return nil
}

// Stop 停止调度器，等待在跑的任务结束
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RunOnce 执行一次清理，返回删除的行数
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.retention).UnixMilli()
	deleted, err := c.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.log.Infof("outbox cleanup done", map[string]interface{}{
			"deleted":  deleted,
			"cutoffMs": cutoff,
		})
	}
	return deleted, nil
}
