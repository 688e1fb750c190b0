package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pi-faucet/internal/domain"
)

// ReserveRequest describes a new pending reservation.
type ReserveRequest struct {
	Address   string          // normalized wallet address
	Amount    decimal.Decimal // faucet amount
	AccountID *string         // optional identity uid
}

// Validate checks the request before it reaches a store.
func (r ReserveRequest) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address required", ErrInvalidInput)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// ReserveResult is the outcome of ClaimStore.Reserve. It is either *Reserved or *Conflict;
// callers switch on the concrete type.
type ReserveResult interface {
	reserveResult()
}

// Reserved means the caller now holds the wallet's single outstanding slot.
type Reserved struct {
	Record *domain.ClaimRecord
}

// Conflict means another pending or processing claim already holds the slot.
type Conflict struct {
	Address string
}

func (*Reserved) reserveResult() {}
func (*Conflict) reserveResult() {}

// ClaimStore provides access to claim records.
// Reserve and MarkProcessing are linearizable per address.
type ClaimStore interface {
	// Reserve atomically inserts a pending claim for the address.
	// Returns *Conflict if a pending or processing claim already exists.
	Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error)

	// FindLatest returns the most recently created claim for the address,
	// restricted to statuses when any are given. Returns ErrNotFound if none.
	FindLatest(ctx context.Context, address string, statuses ...domain.ClaimStatus) (*domain.ClaimRecord, error)

	// FindLatestByAccount returns the most recently created claim for the account,
	// restricted to statuses when any are given. Returns ErrNotFound if none.
	FindLatestByAccount(ctx context.Context, accountID string, statuses ...domain.ClaimStatus) (*domain.ClaimRecord, error)

	// MarkProcessing moves the pending claim for the address to processing and
	// increments its attempt counter. Only claims touched after freshAfter qualify.
	// Returns (nil, nil) when there is nothing to execute.
	MarkProcessing(ctx context.Context, address string, freshAfter time.Time) (*domain.ClaimRecord, error)

	// MarkCompleted settles the processing claim for the address. A ledger-reported
	// unsuccessful result moves it to failed instead.
	MarkCompleted(ctx context.Context, address, resultLink string, successful bool) (*domain.ClaimRecord, error)

	// MarkFailedToRetry returns the processing claim for the address to pending.
	MarkFailedToRetry(ctx context.Context, address string) (*domain.ClaimRecord, error)

	// MarkAbandoned moves the in-flight claim for the address to failed if it has
	// not been touched since touchedBefore. Reports whether a claim was moved.
	MarkAbandoned(ctx context.Context, address string, touchedBefore time.Time) (bool, error)

	// DeleteReservation removes the pending claim for the address.
	// Returns ErrNotFound if there is none.
	DeleteReservation(ctx context.Context, address string) error
}

// ClaimEventStore provides access to the append-only claim audit log.
type ClaimEventStore interface {
	// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
	Insert(ctx context.Context, e *domain.ClaimEvent) error

	// GetByWallet retrieves all events for a wallet, ordered by occurred_at ASC.
	GetByWallet(ctx context.Context, wallet string) ([]*domain.ClaimEvent, error)
}
