package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/orderlife/order/internal/client"
	"github.com/orderlife/order/internal/config"
	"github.com/orderlife/order/internal/metrics"
	"github.com/orderlife/order/internal/outbox"
	"github.com/orderlife/order/internal/repository"
	"github.com/orderlife/order/internal/saga"
	"github.com/orderlife/order/internal/service"
	apperrors "github.com/orderlife/order/pkg/errors"
	"github.com/orderlife/order/pkg/logger"
	"github.com/orderlife/order/pkg/stream"
	"github.com/orderlife/order/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	appLog := logger.New(cfg.ServiceName, os.Stdout)

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
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

	inventory := client.NewInventoryClient(cfg.InventoryBaseURL, 0)
	notification := client.NewNotificationClient(cfg.NotificationBaseURL, 0)

	svc := service.NewOrderService(db, orderRepo, outboxRepo, inventory, notification, appLog)

	executor := saga.NewExecutor()
	svc.RegisterSagaActions(executor)
	coordinator := saga.NewCoordinator(sagaRepo, executor,
		&saga.CoordinatorOptions{MaxRetries: cfg.SagaMaxRetries}, m, appLog)

	// 手动重发用，不跑轮询循环（循环在 worker 进程）
	relay := outbox.NewRelay(db, outboxRepo, stream.NewClient(redisClient), &outbox.RelayOptions{
		MaxRetries: cfg.RelayMaxRetries,
	}, m, appLog)
	cleaner := outbox.NewCleaner(outboxRepo, cfg.OutboxRetention, cfg.OutboxCleanupCron, appLog)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", m.Handler())

	// 订单
	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleCreateOrder(w, r, svc)
		case http.MethodGet:
			handleGetOrders(w, r, svc)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/orders/confirm", func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := requireOrderID(w, r)
		if !ok {
			return
		}
		eventID, err := svc.ConfirmOrder(r.Context(), orderID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"eventId": eventID})
	})
	mux.HandleFunc("/v1/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
		orderID, ok := requireOrderID(w, r)
		if !ok {
			return
		}
		eventID, err := svc.CancelOrder(r.Context(), orderID, r.URL.Query().Get("reason"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"eventId": eventID})
	})

	// Saga 管理
	mux.HandleFunc("/v1/sagas", func(w http.ResponseWriter, r *http.Request) {
		handleListSagas(w, r, sagaRepo)
	})
	mux.HandleFunc("/v1/sagas/retry", func(w http.ResponseWriter, r *http.Request) {
		sagaID := r.URL.Query().Get("sagaId")
		if err := coordinator.Retry(r.Context(), sagaID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"sagaId": sagaID, "result": "retried"})
	})
	mux.HandleFunc("/v1/sagas/compensate", func(w http.ResponseWriter, r *http.Request) {
		sagaID := r.URL.Query().Get("sagaId")
		if err := coordinator.Compensate(r.Context(), sagaID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"sagaId": sagaID, "result": "compensated"})
	})

	// Outbox 运维
	mux.HandleFunc("/v1/outbox/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := outboxRepo.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, stats)
	})
	mux.HandleFunc("/v1/outbox/publish", func(w http.ResponseWriter, r *http.Request) {
		eventID := r.URL.Query().Get("eventId")
		if err := relay.PublishEvent(r.Context(), eventID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"eventId": eventID, "result": "published"})
	})
	mux.HandleFunc("/v1/outbox/cleanup", func(w http.ResponseWriter, r *http.Request) {
		deleted, err := cleaner.RunOnce(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int64{"deleted": deleted})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: tracing.HTTPMiddleware(mux),
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	log.Println("Shutdown complete")
}

func handleCreateOrder(w http.ResponseWriter, r *http.Request, svc *service.OrderService) {
	var req service.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	order, err := svc.CreateOrder(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, order)
}

func handleGetOrders(w http.ResponseWriter, r *http.Request, svc *service.OrderService) {
	if status := r.URL.Query().Get("status"); status != "" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		orders, err := svc.ListOrders(r.Context(), status, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, orders)
		return
	}

	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}
	order, err := svc.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, order)
}

func handleListSagas(w http.ResponseWriter, r *http.Request, sagaRepo *repository.SagaRepository) {
	q := r.URL.Query()
	if sagaID := q.Get("sagaId"); sagaID != "" {
		instance, err := sagaRepo.GetSaga(r.Context(), sagaID)
		if err != nil {
			writeError(w, err)
			return
		}
		steps, err := sagaRepo.GetSteps(r.Context(), sagaID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"instance": instance, "steps": steps})
		return
	}

	if orderID, err := strconv.ParseInt(q.Get("orderId"), 10, 64); err == nil && orderID > 0 {
		instances, err := sagaRepo.ListByOrder(r.Context(), orderID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, instances)
		return
	}

	status := q.Get("status")
	if status == "" {
		http.Error(w, "sagaId, orderId or status required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	instances, err := sagaRepo.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, instances)
}

func requireOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderID, err := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, "orderId required", http.StatusBadRequest)
		return 0, false
	}
	return orderID, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(appErr.HTTPStatus())
		json.NewEncoder(w).Encode(appErr)
		return
	}
	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrSagaNotFound),
		errors.Is(err, repository.ErrOutboxEventNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
