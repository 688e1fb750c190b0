package faucet

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"pi-faucet/internal/address"
	"pi-faucet/internal/domain"
	"pi-faucet/internal/ledger"
	"pi-faucet/internal/observability"
)

// Settlement is the result of Execute.
type Settlement struct {
	Settled    bool
	Reason     Reason // set when Settled is false
	ResultLink string
	Reconciled bool                // the payment was found in ledger history rather than submitted now
	Record     *domain.ClaimRecord // latest known state of the claim
}

// Executor settles pending reservations on the ledger.
type Executor struct {
	*core
}

// NewExecutor creates an Executor.
func NewExecutor(opts Options) (*Executor, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &Executor{core: c}, nil
}

// Execute consumes the wallet's pending reservation and pays it out. Failures are
// reported through the result; the only error is address.ErrAddressRequired.
func (x *Executor) Execute(ctx context.Context, rawAddress string, id Identity) (*Settlement, error) {
	if strings.TrimSpace(rawAddress) == "" {
		return nil, address.ErrAddressRequired
	}

	addr, err := address.Validate(rawAddress)
	var res *Settlement
	if err != nil {
		addr = address.Normalize(rawAddress)
		res = &Settlement{Reason: ReasonInvalidAddress}
	} else {
		res = x.execute(ctx, addr)
	}

	outcome, detail := "settled", res.ResultLink
	if !res.Settled {
		outcome = string(res.Reason)
	}
	observability.RecordSettlement(outcome)
	x.audit(ctx, domain.ClaimStageExecute, addr, id, outcome, detail)
	return res, nil
}

func (x *Executor) execute(ctx context.Context, addr string) *Settlement {
	record, err := x.store.MarkProcessing(ctx, addr, x.staleCutoff())
	if err != nil {
		return &Settlement{Reason: x.translator.Translate(err)}
	}
	if record == nil {
		return &Settlement{Reason: ReasonNoPendingReservation}
	}

	// From here on the row is ours; store writes must land even if the caller leaves.
	bg := context.WithoutCancel(ctx)

	if record.Attempts > 1 {
		found, err := x.reconcile(bg, record)
		if err != nil {
			return x.retryLater(bg, record, err)
		}
		if found != nil {
			observability.RecordReconciliation("found")
			return &Settlement{Settled: true, ResultLink: found.Link, Reconciled: true, Record: record}
		}
		observability.RecordReconciliation("missing")
	}

	submitCtx, cancel := context.WithTimeout(bg, x.submitTimeout)
	defer cancel()

	result, err := x.ledger.SubmitPayment(submitCtx, ledger.Payment{
		Destination: addr,
		Amount:      record.Amount,
	})
	if err != nil {
		return x.retryLater(bg, record, err)
	}

	if !result.Successful {
		// Included but failed: nothing was paid, so the claim goes back for a retry.
		x.logger.Warn("ledger reported unsuccessful transaction",
			zap.String("wallet", addr),
			zap.String("hash", result.Hash),
		)
		res := x.retryLater(bg, record, &ledger.RejectedError{TransactionCode: "tx_failed"})
		res.ResultLink = result.Link
		return res
	}

	completed, err := x.store.MarkCompleted(bg, addr, result.Link, true)
	if err != nil {
		// Paid but not recorded: the row stays processing until abandonment, and
		// the next evaluation reconciles it from ledger history.
		x.logger.Error("payment settled but claim not recorded",
			zap.String("wallet", addr),
			zap.String("claim_id", record.ID),
			zap.String("hash", result.Hash),
			zap.String("link", result.Link),
			zap.Error(err),
		)
		completed = record
	}

	x.logger.Info("claim settled",
		zap.String("wallet", addr),
		zap.String("claim_id", record.ID),
		zap.String("hash", result.Hash),
	)
	return &Settlement{Settled: true, ResultLink: result.Link, Record: completed}
}

// retryLater translates a failed attempt and releases the row: back to pending for
// a later retry, or failed when the destination does not exist.
func (x *Executor) retryLater(ctx context.Context, record *domain.ClaimRecord, cause error) *Settlement {
	reason := x.translator.Translate(cause)

	var (
		latest *domain.ClaimRecord
		err    error
	)
	if reason == ReasonDestinationNotFound {
		_, err = x.store.MarkAbandoned(ctx, record.RecipientWallet, forceAll)
	} else {
		latest, err = x.store.MarkFailedToRetry(ctx, record.RecipientWallet)
	}
	if err != nil {
		x.logger.Error("release claim after failed attempt",
			zap.String("wallet", record.RecipientWallet),
			zap.String("claim_id", record.ID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	}
	if latest == nil {
		latest = record
	}
	return &Settlement{Reason: reason, Record: latest}
}
