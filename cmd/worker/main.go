package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/orderlife/order/internal/client"
	"github.com/orderlife/order/internal/config"
	"github.com/orderlife/order/internal/events"
	"github.com/orderlife/order/internal/metrics"
	"github.com/orderlife/order/internal/outbox"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/internal/saga"
	"github.com/orderlife/order/internal/service"
	"github.com/orderlife/order/pkg/logger"
	"github.com/orderlife/order/pkg/stream"
	"github.com/orderlife/order/pkg/tracing"
)

// worker 进程承载全部后台循环：outbox 中继、事件消费、saga 恢复、保留清理
func main() {
	cfg := config.Load()
	log.Printf("Starting %s-worker...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName+"-worker", os.Stdout)

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName + "-worker",
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	m := metrics.New()

	orderRepo := repository.NewOrderRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	sagaRepo := repository.NewSagaRepository(db)
	ledger := repository.NewLedgerRepository(db)

	inventory := client.NewInventoryClient(cfg.InventoryBaseURL, 0)
	notification := client.NewNotificationClient(cfg.NotificationBaseURL, 0)
	svc := service.NewOrderService(db, orderRepo, outboxRepo, inventory, notification, appLog)

	executor := saga.NewExecutor()
	svc.RegisterSagaActions(executor)
	coordinator := saga.NewCoordinator(sagaRepo, executor,
		&saga.CoordinatorOptions{MaxRetries: cfg.SagaMaxRetries}, m, appLog)

	streamClient := stream.NewClient(redisClient)

	relay := outbox.NewRelay(db, outboxRepo, streamClient, &outbox.RelayOptions{
		PollInterval: cfg.RelayPollInterval,
		BatchSize:    cfg.RelayBatchSize,
		MaxRetries:   cfg.RelayMaxRetries,
	}, m, appLog)

	recovery := saga.NewRecovery(sagaRepo, coordinator, &saga.RecoveryOptions{
		Interval:   cfg.RecoveryInterval,
		StaleAfter: cfg.RecoveryStaleAfter,
		BatchSize:  cfg.RecoveryBatchSize,
	}, appLog)

	cache := events.NewIdempotencyCache(redisClient, "", cfg.IdempotencyCacheTTL)
	processor := events.NewProcessor(db, ledger, cache, cfg.ConsumerGroup, cfg.ConsumerName, m, appLog)
	consumer := events.NewConsumer(streamClient, cfg.ConsumerGroup, cfg.ConsumerName,
		cfg.InboundStreams, processor, coordinator, nil, appLog)

	cleaner := outbox.NewCleaner(outboxRepo, cfg.OutboxRetention, cfg.OutboxCleanupCron, appLog)
	if err := cleaner.Start(ctx); err != nil {
		log.Fatalf("Failed to start outbox cleaner: %v", err)
	}
	defer cleaner.Stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		relay.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		recovery.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Worker] consumer stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		relayOK, relayAge, relayErr := relay.Monitor.Healthy(now, 3*cfg.RelayPollInterval)
		recoveryOK, recoveryAge, recoveryErr := recovery.Monitor.Healthy(now, 3*cfg.RecoveryInterval)

		status := http.StatusOK
		if !relayOK || !recoveryOK {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"relay": map[string]interface{}{
				"healthy": relayOK, "ageMs": relayAge.Milliseconds(), "lastError": relayErr,
			},
			"recovery": map[string]interface{}{
				"healthy": recoveryOK, "ageMs": recoveryAge.Milliseconds(), "lastError": recoveryErr,
			},
		})
	})
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort+1),
		Handler: mux,
	}
	go func() {
		log.Printf("Worker admin listening on :%d", cfg.HTTPPort+1)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Worker admin server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	wg.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	log.Println("Shutdown complete")
}
