package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/storage"
)

// ClaimStore is an in-memory implementation of storage.ClaimStore.
// A single mutex makes Reserve and MarkProcessing linearizable.
type ClaimStore struct {
	mu      sync.Mutex
	records []*domain.ClaimRecord // insertion order
	now     func() time.Time
}

// NewClaimStore creates a new in-memory claim store.
func NewClaimStore() *ClaimStore {
	return NewClaimStoreWithClock(time.Now)
}

// NewClaimStoreWithClock creates a store that stamps records using now.
func NewClaimStoreWithClock(now func() time.Time) *ClaimStore {
	return &ClaimStore{now: now}
}

// Reserve atomically inserts a pending claim for the address.
func (s *ClaimStore) Reserve(_ context.Context, req storage.ReserveRequest) (storage.ReserveResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlightLocked(req.Address) != nil {
		return &storage.Conflict{Address: req.Address}, nil
	}

	now := s.now()
	r := &domain.ClaimRecord{
		ID:              uuid.NewString(),
		RecipientWallet: req.Address,
		Amount:          req.Amount,
		Status:          domain.ClaimStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.AccountID != nil {
		account := *req.AccountID
		r.AccountID = &account
	}
	s.records = append(s.records, r)

	return &storage.Reserved{Record: r.Clone()}, nil
}

// FindLatest returns the most recently created claim for the address.
func (s *ClaimStore) FindLatest(_ context.Context, address string, statuses ...domain.ClaimStatus) (*domain.ClaimRecord, error) {
	return s.findLatest(func(r *domain.ClaimRecord) bool {
		return r.RecipientWallet == address
	}, statuses)
}

// FindLatestByAccount returns the most recently created claim for the account.
func (s *ClaimStore) FindLatestByAccount(_ context.Context, accountID string, statuses ...domain.ClaimStatus) (*domain.ClaimRecord, error) {
	if accountID == "" {
		return nil, storage.ErrInvalidInput
	}
	return s.findLatest(func(r *domain.ClaimRecord) bool {
		return r.AccountID != nil && *r.AccountID == accountID
	}, statuses)
}

// MarkProcessing moves a fresh pending claim to processing.
func (s *ClaimStore) MarkProcessing(_ context.Context, address string, freshAfter time.Time) (*domain.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.inFlightLocked(address)
	if r == nil || r.Status != domain.ClaimStatusPending || !r.UpdatedAt.After(freshAfter) {
		return nil, nil
	}

	r.Status = domain.ClaimStatusProcessing
	r.Attempts++
	r.UpdatedAt = s.now()
	return r.Clone(), nil
}

// MarkCompleted settles the processing claim for the address.
func (s *ClaimStore) MarkCompleted(_ context.Context, address, resultLink string, successful bool) (*domain.ClaimRecord, error) {
	to := domain.ClaimStatusCompleted
	if !successful {
		to = domain.ClaimStatusFailed
	}
	return s.transition(address, domain.ClaimStatusProcessing, to, func(r *domain.ClaimRecord) {
		link := resultLink
		r.ResultLink = &link
		r.Successful = successful
	})
}

// MarkFailedToRetry returns the processing claim for the address to pending.
func (s *ClaimStore) MarkFailedToRetry(_ context.Context, address string) (*domain.ClaimRecord, error) {
	return s.transition(address, domain.ClaimStatusProcessing, domain.ClaimStatusPending, nil)
}

// MarkAbandoned fails the in-flight claim if it is untouched since touchedBefore.
func (s *ClaimStore) MarkAbandoned(_ context.Context, address string, touchedBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.inFlightLocked(address)
	if r == nil || !r.UpdatedAt.Before(touchedBefore) {
		return false, nil
	}
	if !domain.CanTransition(r.Status, domain.ClaimStatusFailed) {
		return false, storage.ErrIllegalTransition
	}

	r.Status = domain.ClaimStatusFailed
	r.UpdatedAt = s.now()
	return true, nil
}

// DeleteReservation removes the pending claim for the address.
func (s *ClaimStore) DeleteReservation(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.records {
		if r.RecipientWallet == address && r.Status == domain.ClaimStatusPending {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// All returns copies of every record in insertion order.
func (s *ClaimStore) All() []*domain.ClaimRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ClaimRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out
}

func (s *ClaimStore) transition(address string, from, to domain.ClaimStatus, mutate func(*domain.ClaimRecord)) (*domain.ClaimRecord, error) {
	if !domain.CanTransition(from, to) {
		return nil, storage.ErrIllegalTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.inFlightLocked(address)
	if r == nil || r.Status != from {
		return nil, storage.ErrIllegalTransition
	}

	if mutate != nil {
		mutate(r)
	}
	r.Status = to
	r.UpdatedAt = s.now()
	return r.Clone(), nil
}

func (s *ClaimStore) inFlightLocked(address string) *domain.ClaimRecord {
	for _, r := range s.records {
		if r.RecipientWallet == address && r.Status.InFlight() {
			return r
		}
	}
	return nil
}

func (s *ClaimStore) findLatest(match func(*domain.ClaimRecord) bool, statuses []domain.ClaimStatus) (*domain.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.ClaimRecord
	for _, r := range s.records {
		if !match(r) || !hasStatus(r.Status, statuses) {
			continue
		}
		// Later insertion wins ties on CreatedAt.
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

func hasStatus(status domain.ClaimStatus, statuses []domain.ClaimStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Verify interface compliance at compile time.
var _ storage.ClaimStore = (*ClaimStore)(nil)
