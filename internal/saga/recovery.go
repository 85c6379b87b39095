package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/pkg/health"
	"github.com/orderlife/order/pkg/logger"
)

// RecoveryOptions 恢复扫描选项
type RecoveryOptions struct {
	Interval   time.Duration // 扫描间隔
	StaleAfter time.Duration // 实例多久没到终态才算失联
	BatchSize  int           // 每轮接管的实例数上限
}

// DefaultRecoveryOptions 默认选项
var DefaultRecoveryOptions = RecoveryOptions{
	Interval:   30 * time.Second,
	StaleAfter: time.Minute,
	BatchSize:  100,
}

// Lister 恢复扫描需要的查询接口，*repository.SagaRepository 实现之
type Lister interface {
	ListNonTerminal(ctx context.Context, staleBeforeMs int64, limit int) ([]*repository.SagaInstance, error)
}

// Recovery 周期扫描失联的非终态实例并交给协调器接管。
// 与存活协调器的竞争由版本 CAS 裁决，输掉的一方直接跳过。
type Recovery struct {
	sagas       Lister
	coordinator *Coordinator
	opts        RecoveryOptions
	log         *logger.Logger

	// Monitor 暴露给健康检查
	Monitor health.LoopMonitor
}

// NewRecovery 创建恢复扫描
func NewRecovery(sagas Lister, coordinator *Coordinator, opts *RecoveryOptions, log *logger.Logger) *Recovery {
	merged := DefaultRecoveryOptions
	if opts != nil {
		if opts.Interval > 0 {
			merged.Interval = opts.Interval
		}
		if opts.StaleAfter > 0 {
			merged.StaleAfter = opts.StaleAfter
		}
		if opts.BatchSize > 0 {
			merged.BatchSize = opts.BatchSize
		}
	}
	if log == nil {
		log = logger.New("saga-recovery", nil)
	}
	return &Recovery{
		sagas:       sagas,
		coordinator: coordinator,
		opts:        merged,
		log:         log,
	}
}

// Start 启动扫描循环，阻塞直到 ctx 取消
func (r *Recovery) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Infof("saga recovery started", map[string]interface{}{
		"interval":   r.opts.Interval.String(),
		"staleAfter": r.opts.StaleAfter.String(),
	})

	for {
		select {
		case <-ctx.Done():
			r.log.Info("saga recovery stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Recovery) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("recovery tick panic: %v", rec)
			r.Monitor.SetError(err)
			r.log.WithError(err).Error("saga recovery tick panicked")
		}
	}()

	r.Monitor.Tick()
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.Monitor.SetError(err)
		r.log.WithError(err).Error("saga recovery sweep failed")
	}
}

// Sweep 执行一轮扫描，返回成功推进到终态的实例数
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-r.opts.StaleAfter).UnixMilli()
	instances, err := r.sagas.ListNonTerminal(ctx, staleBefore, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, instance := range instances {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if err := r.coordinator.Resume(ctx, instance.SagaID); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// 另一个协调器还活着，不抢
				continue
			}
			r.log.WithError(err).Warnf("saga recovery attempt failed", map[string]interface{}{
				"sagaId":   instance.SagaID,
				"sagaType": instance.SagaType,
				"status":   instance.Status,
			})
			continue
		}
		recovered++
	}
	return recovered, nil
}
