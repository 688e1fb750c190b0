package faucet

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"pi-faucet/internal/ledger"
	"pi-faucet/internal/observability"
	"pi-faucet/internal/storage"
)

// ledgerCodes maps Horizon transaction and operation result codes to reasons.
var ledgerCodes = map[string]Reason{
	"op_underfunded":          ReasonInsufficientFaucetFunds,
	"tx_insufficient_balance": ReasonInsufficientFaucetFunds,

	"op_no_destination": ReasonDestinationNotFound,
	"op_no_account":     ReasonDestinationNotFound,

	"tx_too_early":          ReasonTransactionRejected,
	"tx_too_late":           ReasonTransactionRejected,
	"tx_bad_seq":            ReasonTransactionRejected,
	"tx_insufficient_fee":   ReasonTransactionRejected,
	"tx_bad_auth":           ReasonTransactionRejected,
	"tx_no_source_account":  ReasonTransactionRejected,
	"op_malformed":          ReasonTransactionRejected,
	"op_line_full":          ReasonTransactionRejected,
	"op_no_trust":           ReasonTransactionRejected,
	"op_not_authorized":     ReasonTransactionRejected,
	"op_src_no_trust":       ReasonTransactionRejected,
	"op_src_not_authorized": ReasonTransactionRejected,
	"tx_failed":             ReasonTransactionRejected,
}

// Translator maps raw store and ledger errors to a Reason.
// Raw errors are logged for operators and never returned to users.
type Translator struct {
	logger *zap.Logger
}

// NewTranslator creates a Translator. A nil logger discards output.
func NewTranslator(logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{logger: logger}
}

// Translate returns the reason for err. Unmapped errors become ReasonUnknownError.
func (t *Translator) Translate(err error) Reason {
	if err == nil {
		return ""
	}

	reason := classify(err)
	if reason == ReasonUnknownError {
		observability.RecordUnknownError()
		t.logger.Error("untranslated error", zap.Error(err))
	} else {
		t.logger.Warn("translated error", zap.String("reason", string(reason)), zap.Error(err))
	}
	return reason
}

func classify(err error) Reason {
	var rejected *ledger.RejectedError
	if errors.As(err, &rejected) {
		// Operation codes are more specific than the transaction code.
		for _, code := range rejected.Codes() {
			if reason, ok := ledgerCodes[code]; ok {
				return reason
			}
		}
		return ReasonUnknownError
	}

	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return ReasonDestinationNotFound
	case errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ReasonConnectivityError
	case errors.Is(err, storage.ErrStorage),
		errors.Is(err, storage.ErrIllegalTransition):
		return ReasonStorageError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonConnectivityError
	}
	return ReasonUnknownError
}
