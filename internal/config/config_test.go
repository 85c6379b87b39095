package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServiceName != "order-lifecycle" {
		t.Fatalf("ServiceName = %s", cfg.ServiceName)
	}
	if cfg.RelayBatchSize != 50 {
		t.Fatalf("RelayBatchSize = %d, want 50", cfg.RelayBatchSize)
	}
	if cfg.RelayMaxRetries != 5 {
		t.Fatalf("RelayMaxRetries = %d, want 5", cfg.RelayMaxRetries)
	}
	if cfg.SagaMaxRetries != 3 {
		t.Fatalf("SagaMaxRetries = %d, want 3", cfg.SagaMaxRetries)
	}
	if cfg.RecoveryInterval != 30*time.Second {
		t.Fatalf("RecoveryInterval = %v", cfg.RecoveryInterval)
	}
	if len(cfg.InboundStreams) != 2 {
		t.Fatalf("InboundStreams = %v", cfg.InboundStreams)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("RELAY_BATCH_SIZE", "10")
	os.Setenv("IDEMPOTENCY_CACHE_TTL", "1h")
	defer os.Unsetenv("RELAY_BATCH_SIZE")
	defer os.Unsetenv("IDEMPOTENCY_CACHE_TTL")

	cfg := Load()
	if cfg.RelayBatchSize != 10 {
		t.Fatalf("RelayBatchSize = %d, want 10", cfg.RelayBatchSize)
	}
	if cfg.IdempotencyCacheTTL != time.Hour {
		t.Fatalf("IdempotencyCacheTTL = %v, want 1h", cfg.IdempotencyCacheTTL)
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.internal",
		DBPort:     5433,
		DBUser:     "svc",
		DBPassword: "secret",
		DBName:     "orders",
	}

	want := "host=db.internal port=5433 user=svc password=secret dbname=orders sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}
