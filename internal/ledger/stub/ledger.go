// Package stub provides an in-memory ledger.Client for tests.
package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pi-faucet/internal/ledger"
)

// Ledger implements ledger.Client over an in-memory account table.
// Successful payments credit the destination and are returned by FindPayment.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]decimal.Decimal
	payments []submitted
	now      func() time.Time

	// LoadErr, when set, is returned by LoadAccount.
	LoadErr error
	// SubmitErr, when set, is returned by SubmitPayment for every submission.
	SubmitErr error
	// SubmitHook, when set, runs before each submission; a non-nil result is returned as the error.
	SubmitHook func(p ledger.Payment) error
	// FindErr, when set, is returned by FindPayment.
	FindErr error
	// Unsuccessful makes accepted transactions report Successful=false.
	Unsuccessful bool
}

type submitted struct {
	payment ledger.Payment
	result  ledger.SubmitResult
	at      time.Time
}

// Compile-time interface check.
var _ ledger.Client = (*Ledger)(nil)

// NewLedger creates an empty stub ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]decimal.Decimal),
		now:      time.Now,
	}
}

// SetClock overrides the clock used to timestamp payments.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetBalance creates or updates an account.
func (l *Ledger) SetBalance(address string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = balance
}

// RecordPayment adds a settled payment to history without going through SubmitPayment.
func (l *Ledger) RecordPayment(p ledger.Payment, at time.Time) ledger.SubmitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := l.newResult(true)
	l.payments = append(l.payments, submitted{payment: p, result: res, at: at})
	return res
}

// Payments returns the number of accepted payments to address.
func (l *Ledger) Payments(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.payments {
		if s.payment.Destination == address {
			n++
		}
	}
	return n
}

// LoadAccount returns the stored account. Returns ErrAccountNotFound if absent.
func (l *Ledger) LoadAccount(_ context.Context, address string) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	balance, ok := l.accounts[address]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{Address: address, NativeBalance: balance}, nil
}

// SubmitPayment records the payment and credits the destination.
func (l *Ledger) SubmitPayment(_ context.Context, p ledger.Payment) (*ledger.SubmitResult, error) {
	l.mu.Lock()
	hook := l.SubmitHook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(p); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.SubmitErr != nil {
		return nil, l.SubmitErr
	}
	balance, ok := l.accounts[p.Destination]
	if !ok {
		return nil, &ledger.RejectedError{TransactionCode: "tx_failed", OperationCodes: []string{"op_no_destination"}}
	}

	res := l.newResult(!l.Unsuccessful)
	if res.Successful {
		l.accounts[p.Destination] = balance.Add(p.Amount)
		l.payments = append(l.payments, submitted{payment: p, result: res, at: l.now()})
	}
	return &res, nil
}

// FindPayment returns the latest recorded payment matching q.
func (l *Ledger) FindPayment(_ context.Context, q ledger.PaymentQuery) (*ledger.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FindErr != nil {
		return nil, l.FindErr
	}
	for i := len(l.payments) - 1; i >= 0; i-- {
		s := l.payments[i]
		if s.payment.Destination != q.Destination || !s.payment.Amount.Equal(q.Amount) || s.at.Before(q.Since) {
			continue
		}
		return &ledger.PaymentRecord{Hash: s.result.Hash, Link: s.result.Link, ClosedAt: s.at}, nil
	}
	return nil, nil
}

func (l *Ledger) newResult(successful bool) ledger.SubmitResult {
	hash := uuid.NewString()
	return ledger.SubmitResult{
		Hash:       hash,
		Link:       fmt.Sprintf("https://ledger.stub/transactions/%s", hash),
		Successful: successful,
		Ledger:     int32(len(l.payments) + 1),
	}
}
