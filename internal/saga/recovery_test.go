package saga

import (
	"context"
	"testing"
	"time"

	"github.com/orderlife/order/internal/repository"
)

func seedSaga(t *testing.T, store *memStore, sagaID, status string, startedAtMs int64) {
	t.Helper()
	defs, err := StepsFor(repository.SagaTypeOrderProcessing)
	if err != nil {
		t.Fatalf("StepsFor: %v", err)
	}
	instance := &repository.SagaInstance{
		SagaID:      sagaID,
		SagaType:    repository.SagaTypeOrderProcessing,
		Status:      status,
		OrderID:     42,
		MaxRetries:  3,
		StartedAtMs: startedAtMs,
	}
	if err := store.CreateSaga(context.Background(), instance, buildSteps(sagaID, `{"orderId":42}`, defs)); err != nil {
		t.Fatalf("seed saga %s: %v", sagaID, err)
	}
}

func TestSweepResumesStaleSagas(t *testing.T) {
	coord, store, rec := newTestCoordinator(nil)
	recovery := NewRecovery(store, coord, &RecoveryOptions{StaleAfter: time.Minute}, nil)
	ctx := context.Background()

	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	seedSaga(t, store, "saga-stale", repository.SagaStatusStarted, stale)

	recovered, err := recovery.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if len(rec.order()) != 5 {
		t.Fatalf("executed %d actions, want full forward run of 5", len(rec.order()))
	}

	instance, _ := store.GetSaga(ctx, "saga-stale")
	if instance.Status != repository.SagaStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", instance.Status)
	}
}

func TestSweepIgnoresFreshSagas(t *testing.T) {
	coord, store, rec := newTestCoordinator(nil)
	recovery := NewRecovery(store, coord, &RecoveryOptions{StaleAfter: time.Minute}, nil)

	seedSaga(t, store, "saga-fresh", repository.SagaStatusStarted, time.Now().UnixMilli())

	recovered, err := recovery.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}
	if len(rec.order()) != 0 {
		t.Fatal("fresh saga was resumed by recovery")
	}
}

func TestSweepSkipsContendedSaga(t *testing.T) {
	coord, store, _ := newTestCoordinator(nil)
	recovery := NewRecovery(store, coord, &RecoveryOptions{StaleAfter: time.Minute}, nil)

	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	seedSaga(t, store, "saga-contended", repository.SagaStatusStarted, stale)
	store.failNextCAS = true

	recovered, err := recovery.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep should not fail on a lost CAS race: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}
}

func TestSweepCompensatesExhaustedFailedSaga(t *testing.T) {
	coord, store, _ := newTestCoordinator(nil)
	recovery := NewRecovery(store, coord, &RecoveryOptions{StaleAfter: time.Minute}, nil)
	ctx := context.Background()

	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	seedSaga(t, store, "saga-exhausted", repository.SagaStatusFailed, stale)

	// Burn the budget: with no steps completed there is nothing to undo,
	// so the saga should land directly in COMPENSATED.
	instance, _ := store.GetSaga(ctx, "saga-exhausted")
	instance.RetryCount = instance.MaxRetries
	if err := store.UpdateSagaCAS(ctx, instance); err != nil {
		t.Fatalf("seed retry count: %v", err)
	}

	if _, err := recovery.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got, _ := store.GetSaga(ctx, "saga-exhausted")
	if got.Status != repository.SagaStatusCompensated {
		t.Fatalf("status = %s, want COMPENSATED", got.Status)
	}
}
