package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*IdempotencyCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewIdempotencyCache(rdb, "", ttl), mr
}

func TestIdempotencyCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	seen, _, err := cache.Seen(ctx, "order-workers", "evt-1")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("unseen event reported as seen")
	}

	if err := cache.MarkProcessed(ctx, "order-workers", "evt-1", "CONFIRMED"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	seen, outcome, err := cache.Seen(ctx, "order-workers", "evt-1")
	if err != nil {
		t.Fatalf("Seen after mark: %v", err)
	}
	if !seen {
		t.Fatal("marked event not reported as seen")
	}
	if outcome != "CONFIRMED" {
		t.Fatalf("outcome = %q, want CONFIRMED", outcome)
	}
}

func TestIdempotencyCacheScopedByConsumerGroup(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	if err := cache.MarkProcessed(ctx, "group-a", "evt-1", "done"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	seen, _, err := cache.Seen(ctx, "group-b", "evt-1")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("event marked for group-a visible to group-b")
	}
}

func TestIdempotencyCacheExpires(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.MarkProcessed(ctx, "order-workers", "evt-1", "done"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	seen, _, err := cache.Seen(ctx, "order-workers", "evt-1")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("expired entry still reported as seen")
	}
}

func TestIdempotencyCacheSurfacesRedisErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewIdempotencyCache(rdb, "", time.Hour)

	mock.ExpectGet("idem:order-workers:evt-1").SetErr(errors.New("connection refused"))

	_, _, err := cache.Seen(context.Background(), "order-workers", "evt-1")
	if err == nil {
		t.Fatal("redis failure swallowed, caller cannot degrade to the ledger")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
