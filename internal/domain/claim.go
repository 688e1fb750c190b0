package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimStatus is the lifecycle state of a claim attempt.
type ClaimStatus string

// Claim statuses.
const (
	ClaimStatusPending    ClaimStatus = "pending"
	ClaimStatusProcessing ClaimStatus = "processing"
	ClaimStatusCompleted  ClaimStatus = "completed"
	ClaimStatusFailed     ClaimStatus = "failed"
)

// transitions lists every legal status change. Anything absent is illegal.
var transitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusPending:    {ClaimStatusProcessing, ClaimStatusFailed},
	ClaimStatusProcessing: {ClaimStatusCompleted, ClaimStatusPending, ClaimStatusFailed},
	ClaimStatusCompleted:  nil,
	ClaimStatusFailed:     nil,
}

// Valid reports whether s is a known status.
func (s ClaimStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InFlight reports whether the status holds the wallet's single outstanding slot.
func (s ClaimStatus) InFlight() bool {
	return s == ClaimStatusPending || s == ClaimStatusProcessing
}

// Terminal reports whether no further transition is possible.
func (s ClaimStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether moving from -> to is allowed.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlightStatuses are the statuses covered by the per-wallet uniqueness constraint.
var InFlightStatuses = []ClaimStatus{ClaimStatusPending, ClaimStatusProcessing}

// ClaimRecord is one claim attempt for one wallet.
type ClaimRecord struct {
	ID              string          // uuid
	RecipientWallet string          // canonical uppercased address
	Amount          decimal.Decimal // faucet amount at reservation time
	Status          ClaimStatus
	AccountID       *string // identity provider uid, when the caller was authenticated
	ResultLink      *string // settlement reference from the ledger
	Successful      bool    // ledger-reported success of the settled transaction
	Attempts        int     // times the row entered processing
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy of the record.
func (r *ClaimRecord) Clone() *ClaimRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.AccountID != nil {
		v := *r.AccountID
		c.AccountID = &v
	}
	if r.ResultLink != nil {
		v := *r.ResultLink
		c.ResultLink = &v
	}
	return &c
}

// StaleAt reports whether the record has been untouched since before cutoff.
func (r *ClaimRecord) StaleAt(cutoff time.Time) bool {
	return r.UpdatedAt.Before(cutoff)
}
