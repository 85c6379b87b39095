package events

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/pkg/logger"
	"github.com/orderlife/order/pkg/stream"
)

// SagaStarter 把确认/取消请求转成 saga。
// PrepareTx 在认领事务内落一个 STARTED 的实例；崩溃后由恢复扫描接管。
// payload 透传请求事件的负载，取消原因等字段经由它到达步骤。
type SagaStarter interface {
	PrepareTx(ctx context.Context, tx *sql.Tx, sagaType string, orderID int64, payload json.RawMessage) (string, error)
	Resume(ctx context.Context, sagaID string) error
}

// Consumer 订阅生命周期事件流，经幂等处理器驱动订单状态机
type Consumer struct {
	client    *stream.Client
	group     string
	name      string
	streams   []string
	processor *Processor
	sagas     SagaStarter
	opts      *stream.ConsumerOptions
	log       *logger.Logger
}

// NewConsumer 创建消费者
func NewConsumer(client *stream.Client, group, name string, streams []string, processor *Processor, sagas SagaStarter, opts *stream.ConsumerOptions, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.New("event-consumer", nil)
	}
	return &Consumer{
		client:    client,
		group:     group,
		name:      name,
		streams:   streams,
		processor: processor,
		sagas:     sagas,
		opts:      opts,
		log:       log,
	}
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	consumer := stream.NewConsumer(c.client, c.group, c.name, c.streams, c.Handler(), c.opts)
	return consumer.Start(ctx)
}

// Handler 返回流消息处理函数
func (c *Consumer) Handler() stream.MessageHandler {
	return func(ctx context.Context, msg *stream.Message) error {
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			// 格式错误的消息重试也不会成功，记录后 ACK
			c.log.WithError(err).WithField("stream", msg.Stream).Warn("dropping malformed event")
			return nil
		}
		return c.dispatch(ctx, env)
	}
}

func (c *Consumer) dispatch(ctx context.Context, env *Envelope) error {
	sagaType, ok := sagaTypeFor(env.EventType)
	if !ok {
		c.log.WithField("eventType", env.EventType).Debug("ignoring unhandled event type")
		return nil
	}

	var sagaID string
	applied, err := c.processor.Handle(ctx, env, sagaType, func(ctx context.Context, tx *sql.Tx) error {
		id, err := c.sagas.PrepareTx(ctx, tx, sagaType, env.OrderID, env.Payload)
		if err != nil {
			return err
		}
		sagaID = id
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	// 认领已提交；saga 驱动失败时留给恢复扫描，不再重投消息
	if err := c.sagas.Resume(ctx, sagaID); err != nil {
		c.log.WithError(err).Infof("saga execution deferred to recovery", map[string]interface{}{
			"sagaId":  sagaID,
			"orderId": env.OrderID,
		})
	}
	return nil
}

func sagaTypeFor(eventType string) (string, bool) {
	switch eventType {
	case TypeOrderConfirmRequested:
		return repository.SagaTypeOrderProcessing, true
	case TypeOrderCancelRequested:
		return repository.SagaTypeOrderCancellation, true
	default:
		return "", false
	}
}
