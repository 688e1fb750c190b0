package memory

import (
	"context"
	"sort"
	"sync"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/storage"
)

// ClaimEventStore is an in-memory implementation of storage.ClaimEventStore.
type ClaimEventStore struct {
	mu     sync.RWMutex
	events map[string]*domain.ClaimEvent // keyed by event_id
}

// NewClaimEventStore creates a new in-memory claim event store.
func NewClaimEventStore() *ClaimEventStore {
	return &ClaimEventStore{
		events: make(map[string]*domain.ClaimEvent),
	}
}

// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
func (s *ClaimEventStore) Insert(_ context.Context, e *domain.ClaimEvent) error {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}

	eventCopy := *e
	s.events[e.EventID] = &eventCopy
	return nil
}

// GetByWallet retrieves all events for a wallet, ordered by occurred_at ASC.
func (s *ClaimEventStore) GetByWallet(_ context.Context, wallet string) ([]*domain.ClaimEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ClaimEvent
	for _, e := range s.events {
		if e.RecipientWallet == wallet {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].EventID < result[j].EventID
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})

	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.ClaimEventStore = (*ClaimEventStore)(nil)
