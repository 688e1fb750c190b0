// Package ledger defines the boundary to the network that settles faucet payments.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger errors.
var (
	// ErrAccountNotFound is returned when the account does not exist on the ledger.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUnavailable is returned when the ledger could not be reached or answered
	// with a transient failure.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Client is the ledger surface the faucet depends on.
type Client interface {
	// LoadAccount returns the account with its native balance.
	// Returns ErrAccountNotFound if the account does not exist.
	LoadAccount(ctx context.Context, address string) (*Account, error)

	// SubmitPayment signs and submits a native payment from the custodial account.
	// A ledger rejection is returned as *RejectedError.
	SubmitPayment(ctx context.Context, p Payment) (*SubmitResult, error)

	// FindPayment looks for a successful payment from the custodial account that
	// matches the query. Returns (nil, nil) if there is none.
	FindPayment(ctx context.Context, q PaymentQuery) (*PaymentRecord, error)
}

// Account is a ledger account.
type Account struct {
	Address       string
	NativeBalance decimal.Decimal
	Sequence      int64
}

// Payment is an outgoing native payment.
type Payment struct {
	Destination string
	Amount      decimal.Decimal
}

// SubmitResult describes an accepted transaction.
type SubmitResult struct {
	Hash       string
	Link       string // settlement reference handed to callers
	Successful bool
	Ledger     int32
}

// PaymentQuery selects a payment to Destination of Amount closed at or after Since.
type PaymentQuery struct {
	Destination string
	Amount      decimal.Decimal
	Since       time.Time
}

// PaymentRecord is a payment found in ledger history.
type PaymentRecord struct {
	Hash     string
	Link     string
	ClosedAt time.Time
}

// RejectedError carries the raw result codes of a rejected transaction.
type RejectedError struct {
	TransactionCode string
	OperationCodes  []string
}

func (e *RejectedError) Error() string {
	if len(e.OperationCodes) == 0 {
		return fmt.Sprintf("transaction rejected: %s", e.TransactionCode)
	}
	return fmt.Sprintf("transaction rejected: %s [%s]", e.TransactionCode, strings.Join(e.OperationCodes, ", "))
}

// Codes returns the operation codes followed by the transaction code, skipping blanks
// and the generic "op_success".
func (e *RejectedError) Codes() []string {
	var codes []string
	for _, c := range e.OperationCodes {
		if c != "" && c != "op_success" {
			codes = append(codes, c)
		}
	}
	if e.TransactionCode != "" {
		codes = append(codes, e.TransactionCode)
	}
	return codes
}
