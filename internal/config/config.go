// Package config 配置
package config

import (
	"strconv"
	"time"

	commonconfig "github.com/orderlife/order/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// 消费
	ConsumerGroup  string
	ConsumerName   string
	InboundStreams []string

	// Outbox relay
	RelayPollInterval time.Duration
	RelayBatchSize    int
	RelayMaxRetries   int
	OutboxRetention   time.Duration
	OutboxCleanupCron string

	// Saga
	SagaMaxRetries     int
	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration
	RecoveryBatchSize  int

	// 幂等缓存
	IdempotencyCacheTTL time.Duration

	// 下游服务
	InventoryBaseURL    string
	NotificationBaseURL string

	WorkerID int64

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: commonconfig.GetEnv("SERVICE_NAME", "order-lifecycle"),
		HTTPPort:    commonconfig.GetEnvInt("HTTP_PORT", 8091),

		DBHost:     commonconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     commonconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     commonconfig.GetEnv("DB_USER", "orderlife"),
		DBPassword: commonconfig.GetEnv("DB_PASSWORD", "orderlife123"),
		DBName:     commonconfig.GetEnv("DB_NAME", "orderlife"),

		RedisAddr:     commonconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: commonconfig.GetEnv("REDIS_PASSWORD", ""),

		ConsumerGroup: commonconfig.GetEnv("CONSUMER_GROUP", "order-lifecycle"),
		ConsumerName:  commonconfig.GetEnv("CONSUMER_NAME", "order-lifecycle-1"),
		InboundStreams: commonconfig.GetEnvSlice("INBOUND_STREAMS", []string{
			"ORDER_CONFIRM_REQUESTED", "ORDER_CANCEL_REQUESTED",
		}),

		RelayPollInterval: commonconfig.GetEnvDuration("RELAY_POLL_INTERVAL", 500*time.Millisecond),
		RelayBatchSize:    commonconfig.GetEnvInt("RELAY_BATCH_SIZE", 50),
		RelayMaxRetries:   commonconfig.GetEnvInt("RELAY_MAX_RETRIES", 5),
		OutboxRetention:   commonconfig.GetEnvDuration("OUTBOX_RETENTION", 72*time.Hour),
		OutboxCleanupCron: commonconfig.GetEnv("OUTBOX_CLEANUP_CRON", "0 3 * * *"),

		SagaMaxRetries:     commonconfig.GetEnvInt("SAGA_MAX_RETRIES", 3),
		RecoveryInterval:   commonconfig.GetEnvDuration("RECOVERY_INTERVAL", 30*time.Second),
		RecoveryStaleAfter: commonconfig.GetEnvDuration("RECOVERY_STALE_AFTER", time.Minute),
		RecoveryBatchSize:  commonconfig.GetEnvInt("RECOVERY_BATCH_SIZE", 100),

		IdempotencyCacheTTL: commonconfig.GetEnvDuration("IDEMPOTENCY_CACHE_TTL", 24*time.Hour),

		InventoryBaseURL:    commonconfig.GetEnv("INVENTORY_BASE_URL", "http://localhost:8092"),
		NotificationBaseURL: commonconfig.GetEnv("NOTIFICATION_BASE_URL", "http://localhost:8093"),

		WorkerID: commonconfig.GetEnvInt64("WORKER_ID", 1),

		TracingEnabled:    commonconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   commonconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: commonconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
