package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewClient(rdb), rdb
}

func TestNewConsumerDefaults(t *testing.T) {
	client, _ := newTestClient(t)
	opts := &ConsumerOptions{BatchSize: 5}

	consumer := NewConsumer(client, "group", "consumer-1", []string{"orders"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, opts)

	if consumer.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want %v", consumer.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
	if consumer.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", consumer.opts.BatchSize)
	}
	if consumer.opts.BlockTime != DefaultConsumerOptions.BlockTime {
		t.Fatalf("BlockTime = %v, want %v", consumer.opts.BlockTime, DefaultConsumerOptions.BlockTime)
	}
}

func TestPublishWritesKeyAndData(t *testing.T) {
	client, rdb := newTestClient(t)
	ctx := context.Background()

	id, err := client.Publish(ctx, "ORDER_CREATED", "order-42", []byte(`{"orderId":42}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty message id")
	}

	entries, err := rdb.XRange(ctx, "ORDER_CREATED", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Values["key"] != "order-42" {
		t.Fatalf("key = %v, want order-42", entries[0].Values["key"])
	}
	if entries[0].Values["data"] != `{"orderId":42}` {
		t.Fatalf("data = %v", entries[0].Values["data"])
	}
}

func TestPublishPreservesPerKeyOrder(t *testing.T) {
	client, rdb := newTestClient(t)
	ctx := context.Background()

	for _, payload := range []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`} {
		if _, err := client.Publish(ctx, "ORDER_STATUS_UPDATED", "order-7", []byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	entries, err := rdb.XRange(ctx, "ORDER_STATUS_UPDATED", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}
	for i, e := range entries {
		if e.Values["data"] != want[i] {
			t.Fatalf("entry %d data = %v, want %s", i, e.Values["data"], want[i])
		}
	}
}

func TestTrim(t *testing.T) {
	client, rdb := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := client.Publish(ctx, "orders", "k", []byte("{}")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := client.Trim(ctx, "orders", 2); err != nil {
		t.Fatalf("trim: %v", err)
	}

	n, err := rdb.XLen(ctx, "orders").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 2 {
		t.Fatalf("stream length = %d, want 2", n)
	}
}
