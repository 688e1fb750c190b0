package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/storage"
)

const testWallet = "GAOOKQ7QW6ACTGQUD3R2DJHWQX6ICXFW6XW7FMIKSMDKRTFQSGFLPUV5"

var faucetAmount = decimal.RequireFromString("0.01")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func reserve(t *testing.T, s *ClaimStore, address string) *domain.ClaimRecord {
	t.Helper()
	res, err := s.Reserve(context.Background(), storage.ReserveRequest{Address: address, Amount: faucetAmount})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	reserved, ok := res.(*storage.Reserved)
	if !ok {
		t.Fatalf("Expected Reserved, got %T", res)
	}
	return reserved.Record
}

func TestClaimStore_ReserveAndConflict(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	r := reserve(t, store, testWallet)
	if r.Status != domain.ClaimStatusPending {
		t.Errorf("Status mismatch: got %s, want pending", r.Status)
	}
	if r.ID == "" {
		t.Error("Expected record ID")
	}

	res, err := store.Reserve(ctx, storage.ReserveRequest{Address: testWallet, Amount: faucetAmount})
	if err != nil {
		t.Fatalf("Second reserve failed: %v", err)
	}
	if _, ok := res.(*storage.Conflict); !ok {
		t.Errorf("Expected Conflict, got %T", res)
	}
}

func TestClaimStore_ReserveInvalid(t *testing.T) {
	store := NewClaimStore()

	_, err := store.Reserve(context.Background(), storage.ReserveRequest{Address: "", Amount: faucetAmount})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	_, err = store.Reserve(context.Background(), storage.ReserveRequest{Address: testWallet, Amount: decimal.Zero})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for zero amount, got %v", err)
	}
}

func TestClaimStore_ConcurrentReserve(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, storage.ReserveRequest{Address: testWallet, Amount: faucetAmount})
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.(type) {
			case *storage.Reserved:
				reserved++
			case *storage.Conflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	if reserved != 1 {
		t.Errorf("Expected exactly 1 reservation, got %d", reserved)
	}
	if conflicts != workers-1 {
		t.Errorf("Expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestClaimStore_ConcurrentMarkProcessing(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	reserve(t, store, testWallet)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := store.MarkProcessing(ctx, testWallet, clock.Now().Add(-time.Minute))
			if err != nil {
				t.Errorf("MarkProcessing failed: %v", err)
				return
			}
			if r != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 processing winner, got %d", winners)
	}
}

func TestClaimStore_RollbackThenReserve(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	reserve(t, store, testWallet)
	if err := store.DeleteReservation(ctx, testWallet); err != nil {
		t.Fatalf("DeleteReservation failed: %v", err)
	}
	if _, err := store.FindLatest(ctx, testWallet); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after rollback, got %v", err)
	}

	reserve(t, store, testWallet)

	if err := store.DeleteReservation(ctx, "GNOBODY"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClaimStore_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	reserve(t, store, testWallet)

	clock.Advance(time.Second)
	r, err := store.MarkProcessing(ctx, testWallet, clock.Now().Add(-time.Minute))
	if err != nil || r == nil {
		t.Fatalf("MarkProcessing: record=%v err=%v", r, err)
	}
	if r.Attempts != 1 {
		t.Errorf("Attempts mismatch: got %d, want 1", r.Attempts)
	}

	// Retry path: processing -> pending -> processing.
	if _, err := store.MarkFailedToRetry(ctx, testWallet); err != nil {
		t.Fatalf("MarkFailedToRetry failed: %v", err)
	}
	r, err = store.MarkProcessing(ctx, testWallet, clock.Now().Add(-time.Minute))
	if err != nil || r == nil {
		t.Fatalf("MarkProcessing retry: record=%v err=%v", r, err)
	}
	if r.Attempts != 2 {
		t.Errorf("Attempts mismatch: got %d, want 2", r.Attempts)
	}

	done, err := store.MarkCompleted(ctx, testWallet, "https://ledger/tx/abc", true)
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if done.Status != domain.ClaimStatusCompleted || done.ResultLink == nil || *done.ResultLink != "https://ledger/tx/abc" {
		t.Errorf("Unexpected completed record: %+v", done)
	}

	// Nothing moves backward from completed.
	if _, err := store.MarkFailedToRetry(ctx, testWallet); !errors.Is(err, storage.ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}
	if _, err := store.MarkCompleted(ctx, testWallet, "x", true); !errors.Is(err, storage.ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}

	// Completed does not hold the in-flight slot.
	reserve(t, store, testWallet)
}

func TestClaimStore_MarkCompletedUnsuccessful(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	reserve(t, store, testWallet)
	clock.Advance(time.Second)
	if _, err := store.MarkProcessing(ctx, testWallet, clock.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	r, err := store.MarkCompleted(ctx, testWallet, "link", false)
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if r.Status != domain.ClaimStatusFailed || r.Successful {
		t.Errorf("Expected failed/unsuccessful, got %s/%v", r.Status, r.Successful)
	}
}

func TestClaimStore_MarkProcessingIgnoresExpiredReservation(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	reserve(t, store, testWallet)

	clock.Advance(11 * time.Minute)
	r, err := store.MarkProcessing(ctx, testWallet, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if r != nil {
		t.Errorf("Expected nil for expired reservation, got %+v", r)
	}

	r, err = store.MarkProcessing(ctx, "GNOBODY", clock.Now())
	if err != nil || r != nil {
		t.Errorf("Expected (nil, nil) for unknown wallet, got %v, %v", r, err)
	}
}

func TestClaimStore_MarkAbandoned(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	reserve(t, store, testWallet)

	// Fresh rows are left alone.
	moved, err := store.MarkAbandoned(ctx, testWallet, clock.Now().Add(-10*time.Minute))
	if err != nil || moved {
		t.Fatalf("Expected fresh row untouched, got moved=%v err=%v", moved, err)
	}

	clock.Advance(11 * time.Minute)
	moved, err = store.MarkAbandoned(ctx, testWallet, clock.Now().Add(-10*time.Minute))
	if err != nil || !moved {
		t.Fatalf("Expected stale row abandoned, got moved=%v err=%v", moved, err)
	}

	latest, err := store.FindLatest(ctx, testWallet)
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest.Status != domain.ClaimStatusFailed {
		t.Errorf("Status mismatch: got %s, want failed", latest.Status)
	}

	// The slot is free again.
	reserve(t, store, testWallet)
}

func TestClaimStore_FindLatestFilters(t *testing.T) {
	clock := newFakeClock()
	store := NewClaimStoreWithClock(clock.Now)
	ctx := context.Background()
	account := "uid-42"

	res, err := store.Reserve(ctx, storage.ReserveRequest{Address: testWallet, Amount: faucetAmount, AccountID: &account})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	first := res.(*storage.Reserved).Record

	clock.Advance(time.Second)
	if _, err := store.MarkProcessing(ctx, testWallet, clock.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, testWallet, "link", true); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	clock.Advance(time.Second)
	second := reserve(t, store, testWallet)

	latest, err := store.FindLatest(ctx, testWallet)
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Expected latest to be second reservation")
	}

	completed, err := store.FindLatest(ctx, testWallet, domain.ClaimStatusCompleted)
	if err != nil {
		t.Fatalf("FindLatest(completed) failed: %v", err)
	}
	if completed.ID != first.ID {
		t.Errorf("Expected completed record to be first reservation")
	}

	byAccount, err := store.FindLatestByAccount(ctx, account, domain.ClaimStatusCompleted)
	if err != nil {
		t.Fatalf("FindLatestByAccount failed: %v", err)
	}
	if byAccount.ID != first.ID {
		t.Errorf("Expected account lookup to find first reservation")
	}

	if _, err := store.FindLatestByAccount(ctx, "uid-other"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClaimStore_ReturnsCopies(t *testing.T) {
	store := NewClaimStore()
	r := reserve(t, store, testWallet)
	r.Status = domain.ClaimStatusCompleted

	latest, err := store.FindLatest(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest.Status != domain.ClaimStatusPending {
		t.Errorf("External mutation leaked into store")
	}
}
