// Package stream Redis Streams 消息总线封装
package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderlife/order/pkg/tracing"
)

// Client Redis Streams 客户端
type Client struct {
	rdb *redis.Client
}

// NewClient 创建客户端
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Publish 发布消息到 Stream。key 为分区键（同一聚合内保序），payload 为已序列化的事件体。
func (c *Client) Publish(ctx context.Context, stream, key string, payload []byte) (string, error) {
	values := map[string]interface{}{
		"key":  key,
		"data": string(payload),
	}
	tracing.InjectRedisStream(ctx, values)

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Key    string
	Data   []byte
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// Consumer 消费者组消费者
type Consumer struct {
	client   *Client
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
}

// NewConsumer 创建消费者
func NewConsumer(client *Client, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	merged := *opts
	if merged.BatchSize <= 0 {
		merged.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if merged.BlockTime <= 0 {
		merged.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if merged.ClaimMinIdle <= 0 {
		merged.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if merged.PendingCheckInterval <= 0 {
		merged.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     merged,
	}
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	// 确保消费者组存在
	for _, stream := range c.streams {
		err := c.client.rdb.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("create group: %w", err)
		}
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// processPending 认领并处理 pending 消息（带最大重试/死信）
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}

			if len(ids) == 0 {
				break
			}

			messages, err := c.client.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					if err := c.sendToDLQ(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
						log.Printf("[Consumer] send to dlq error: %v", err)
						continue
					}
					if err := c.client.rdb.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
						log.Printf("[Consumer] ack dlq message error: %v", err)
					}
					continue
				}

				if err := c.processMessage(ctx, stream, m); err != nil {
					log.Printf("[Consumer] process pending message error: %v", err)
				}
			}
		}
	}
	return nil
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	for _, s := range c.streams {
		args = append(args, s)
	}
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Consumer] process pending error: %v", err)
			}
		default:
		}

		results, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					log.Printf("[Consumer] process message error: %v", err)
				}
			}
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.client.rdb.XAck(ctx, stream, c.group, m.ID).Err()
	}
	key, _ := m.Values["key"].(string)

	msg := &Message{
		ID:     m.ID,
		Stream: stream,
		Key:    key,
		Data:   []byte(data),
	}

	msgCtx := tracing.ExtractRedisStream(ctx, m.Values)
	if err := c.handler(msgCtx, msg); err != nil {
		// 超过最大重试，写入死信流并 ACK
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.sendToDLQ(ctx, stream, &m, err.Error()); dlqErr == nil {
					return c.client.rdb.XAck(ctx, stream, c.group, m.ID).Err()
				}
			}
		}
		return err
	}

	return c.client.rdb.XAck(ctx, stream, c.group, m.ID).Err()
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m *redis.XMessage, reason string) error {
	dlqStream := stream + ":dlq"
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"key":      m.Values["key"],
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	_, err := c.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}

// Ack 手动确认消息
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.rdb.XAck(ctx, stream, c.group, id).Err()
}

// Info Stream 信息
type Info struct {
	Length         int64
	FirstEntry     string
	LastEntry      string
	ConsumerGroups int64
}

// Info 获取 Stream 信息
func (c *Client) Info(ctx context.Context, stream string) (*Info, error) {
	info, err := c.rdb.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, err
	}

	return &Info{
		Length:         info.Length,
		FirstEntry:     info.FirstEntry.ID,
		LastEntry:      info.LastEntry.ID,
		ConsumerGroups: int64(info.Groups),
	}, nil
}

// Trim 裁剪 Stream
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	return c.rdb.XTrimMaxLen(ctx, stream, maxLen).Err()
}
