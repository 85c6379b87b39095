package events

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/orderlife/order/internal/repository"
)

// fakeLedger claims each event id exactly once, like the ON CONFLICT insert.
type fakeLedger struct {
	claimed map[string]bool
	calls   int
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claimed: make(map[string]bool)}
}

func (f *fakeLedger) ClaimTx(ctx context.Context, tx *sql.Tx, event *repository.ProcessedEvent) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	key := event.EventID + "|" + event.ConsumerGroup
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

type fakeCache struct {
	seen    map[string]string
	seenErr error
	markErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{seen: make(map[string]string)}
}

func (f *fakeCache) Seen(ctx context.Context, group, eventID string) (bool, string, error) {
	if f.seenErr != nil {
		return false, "", f.seenErr
	}
	outcome, ok := f.seen[group+":"+eventID]
	return ok, outcome, nil
}

func (f *fakeCache) MarkProcessed(ctx context.Context, group, eventID, outcome string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.seen[group+":"+eventID] = outcome
	return nil
}

func testEnvelope() *Envelope {
	return &Envelope{
		EventID:   "evt-100",
		OrderID:   42,
		EventType: TypeOrderConfirmRequested,
		Version:   1,
	}
}

func TestHandleAppliesOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ledger := newFakeLedger()
	p := NewProcessor(db, ledger, nil, "order-workers", "worker-1", nil, nil)

	applyCalls := 0
	apply := func(ctx context.Context, tx *sql.Tx) error {
		applyCalls++
		return nil
	}

	// First delivery claims and applies.
	mock.ExpectBegin()
	mock.ExpectCommit()
	// Redeliveries claim nothing and roll back.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	env := testEnvelope()
	for i := 0; i < 3; i++ {
		applied, err := p.Handle(context.Background(), env, "CONFIRMED", apply)
		if err != nil {
			t.Fatalf("Handle call %d: %v", i, err)
		}
		if want := i == 0; applied != want {
			t.Fatalf("Handle call %d: applied = %v, want %v", i, applied, want)
		}
	}

	if applyCalls != 1 {
		t.Fatalf("apply called %d times, want 1", applyCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleRollsBackOnApplyFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ledger := newFakeLedger()
	p := NewProcessor(db, ledger, nil, "order-workers", "worker-1", nil, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	applyErr := errors.New("saga insert failed")
	_, err = p.Handle(context.Background(), testEnvelope(), "CONFIRMED", func(ctx context.Context, tx *sql.Tx) error {
		return applyErr
	})
	if !errors.Is(err, applyErr) {
		t.Fatalf("Handle error = %v, want wrapped %v", err, applyErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleCacheFastPathSkipsDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cache := newFakeCache()
	cache.seen["order-workers:evt-100"] = "CONFIRMED"

	ledger := newFakeLedger()
	p := NewProcessor(db, ledger, cache, "order-workers", "worker-1", nil, nil)

	applied, err := p.Handle(context.Background(), testEnvelope(), "CONFIRMED", func(ctx context.Context, tx *sql.Tx) error {
		t.Fatal("apply invoked for cached duplicate")
		return nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if applied {
		t.Fatal("cached duplicate reported as applied")
	}
	if ledger.calls != 0 {
		t.Fatalf("ledger consulted %d times on cache hit, want 0", ledger.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleDegradesToLedgerOnCacheError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cache := newFakeCache()
	cache.seenErr = errors.New("redis down")

	ledger := newFakeLedger()
	p := NewProcessor(db, ledger, cache, "order-workers", "worker-1", nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()

	applied, err := p.Handle(context.Background(), testEnvelope(), "CONFIRMED", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !applied {
		t.Fatal("first delivery not applied despite cache outage")
	}
	if ledger.calls != 1 {
		t.Fatalf("ledger calls = %d, want 1", ledger.calls)
	}
}

func TestHandlePopulatesCacheForLedgerDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// Ledger already holds the claim, cache is cold (e.g. after a flush).
	ledger := newFakeLedger()
	ledger.claimed["evt-100|order-workers"] = true

	cache := newFakeCache()
	p := NewProcessor(db, ledger, cache, "order-workers", "worker-1", nil, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	applied, err := p.Handle(context.Background(), testEnvelope(), "CONFIRMED", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if applied {
		t.Fatal("ledger duplicate reported as applied")
	}
	if _, ok := cache.seen["order-workers:evt-100"]; !ok {
		t.Fatal("cache not repopulated from ledger duplicate")
	}
}
