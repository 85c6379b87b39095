package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache 账本前置的易失去重缓存。
// 纯优化：缓存丢失不影响正确性，账本才是权威。
type IdempotencyCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewIdempotencyCache 创建缓存
func NewIdempotencyCache(rdb *redis.Client, prefix string, ttl time.Duration) *IdempotencyCache {
	if prefix == "" {
		prefix = "idem:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *IdempotencyCache) key(consumerGroup, eventID string) string {
	return c.prefix + consumerGroup + ":" + eventID
}

// Seen 检查事件是否已处理。返回 (已处理, 处理结果)。
func (c *IdempotencyCache) Seen(ctx context.Context, consumerGroup, eventID string) (bool, string, error) {
	outcome, err := c.rdb.Get(ctx, c.key(consumerGroup, eventID)).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, outcome, nil
}

// MarkProcessed 记录处理结果，TTL 之后自动过期
func (c *IdempotencyCache) MarkProcessed(ctx context.Context, consumerGroup, eventID, outcome string) error {
	if outcome == "" {
		outcome = "processed"
	}
	return c.rdb.Set(ctx, c.key(consumerGroup, eventID), outcome, c.ttl).Err()
}
