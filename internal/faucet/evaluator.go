package faucet

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"pi-faucet/internal/address"
	"pi-faucet/internal/domain"
	"pi-faucet/internal/ledger"
	"pi-faucet/internal/observability"
	"pi-faucet/internal/policy"
	"pi-faucet/internal/storage"
)

// Eligibility is the result of Evaluate. Exactly one of Reservation or Reason is set.
type Eligibility struct {
	Eligible    bool
	Reason      Reason
	Address     string              // normalized, when validation passed
	Whitelisted bool
	Reservation *domain.ClaimRecord // pending claim held for the Executor
}

// Evaluator decides whether a wallet may claim right now and reserves the claim.
type Evaluator struct {
	*core
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts Options) (*Evaluator, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &Evaluator{core: c}, nil
}

// Evaluate runs the eligibility checks in order and, when they all pass, leaves a
// pending reservation for the wallet. Ineligibility is reported through the result;
// the only error is address.ErrAddressRequired for an empty argument.
func (e *Evaluator) Evaluate(ctx context.Context, rawAddress string, id Identity) (*Eligibility, error) {
	if strings.TrimSpace(rawAddress) == "" {
		return nil, address.ErrAddressRequired
	}

	res := e.evaluate(ctx, rawAddress, id)

	outcome := "eligible"
	if !res.Eligible {
		outcome = string(res.Reason)
	}
	observability.RecordEvaluation(outcome)

	wallet := res.Address
	if wallet == "" {
		wallet = address.Normalize(rawAddress)
	}
	e.audit(ctx, domain.ClaimStageEvaluate, wallet, id, outcome, "")
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, rawAddress string, id Identity) *Eligibility {
	if id.Wallet != "" && !address.Equal(id.Wallet, rawAddress) {
		return ineligible(ReasonAccountWalletMismatch)
	}

	addr, err := address.Validate(rawAddress)
	if err != nil {
		return ineligible(ReasonInvalidAddress)
	}

	cls := e.policy.Classify(addr)
	if cls.Blocked {
		return &Eligibility{Reason: ReasonBlocked, Address: addr}
	}

	res := &Eligibility{Address: addr, Whitelisted: cls.Whitelisted}
	fail := func(reason Reason) *Eligibility {
		res.Reason = reason
		return res
	}

	if !cls.Whitelisted && id.AccountID != "" {
		_, err := e.store.FindLatestByAccount(ctx, id.AccountID, domain.ClaimStatusCompleted)
		switch {
		case err == nil:
			return fail(ReasonAccountAlreadyClaimed)
		case !errors.Is(err, storage.ErrNotFound):
			return fail(e.translator.Translate(err))
		}
	}

	if reason := e.checkHistory(ctx, addr, cls); reason != "" {
		return fail(reason)
	}

	// No row may exist for a wallet the ledger check rejects; a concurrent Execute
	// would pay it. The check is repeated once the slot is held.
	if reason := e.checkAccount(ctx, addr, cls); reason != "" {
		return fail(reason)
	}

	reservation, reason := e.reserve(ctx, addr, id, cls)
	if reason != "" {
		return fail(reason)
	}

	if reason := e.checkAccount(ctx, addr, cls); reason != "" {
		if !e.rollback(ctx, addr) {
			// The reservation was consumed by an Execute in the meantime.
			return fail(ReasonClaimInFlight)
		}
		return fail(reason)
	}

	res.Eligible = true
	res.Reservation = reservation
	return res
}

// checkAccount requires the wallet to exist on the ledger and, unless whitelisted,
// to hold less than the faucet amount.
func (e *Evaluator) checkAccount(ctx context.Context, addr string, cls policy.Classification) Reason {
	acct, err := e.ledger.LoadAccount(ctx, addr)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return ReasonAddressNotFound
	case err != nil:
		return e.translator.Translate(err)
	case !cls.Whitelisted && acct.NativeBalance.GreaterThanOrEqual(e.amount):
		return ReasonBalanceSufficient
	}
	return ""
}

// checkHistory applies the wallet's claim history: fresh in-flight claims block,
// stale ones (or any, for whitelisted wallets) are reconciled and failed, and a
// completed claim blocks for good.
func (e *Evaluator) checkHistory(ctx context.Context, addr string, cls policy.Classification) Reason {
	latest, err := e.store.FindLatest(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	if err != nil {
		return e.translator.Translate(err)
	}

	if latest.Status.InFlight() {
		cutoff := e.staleCutoff()
		stale := latest.StaleAt(cutoff)
		if !stale && !cls.Whitelisted {
			return ReasonClaimInFlight
		}

		// A row that reached processing may have paid out before the process died.
		if latest.Attempts > 0 {
			found, err := e.reconcile(ctx, latest)
			if err != nil {
				return e.translator.Translate(err)
			}
			if found != nil {
				observability.RecordReconciliation("found")
				if cls.Whitelisted {
					return ""
				}
				return ReasonWalletAlreadyClaimed
			}
			observability.RecordReconciliation("missing")
		}

		if !stale {
			cutoff = forceAll
		}
		moved, err := e.store.MarkAbandoned(ctx, addr, cutoff)
		if err != nil {
			return e.translator.Translate(err)
		}
		if moved {
			observability.RecordAbandoned()
			e.logger.Info("abandoned stale claim",
				zap.String("wallet", addr),
				zap.String("claim_id", latest.ID),
				zap.String("status", string(latest.Status)),
				zap.Bool("whitelisted", cls.Whitelisted),
			)
		}
	}

	if cls.Whitelisted {
		return ""
	}
	if latest.Status == domain.ClaimStatusCompleted {
		return ReasonWalletAlreadyClaimed
	}
	_, err = e.store.FindLatest(ctx, addr, domain.ClaimStatusCompleted)
	switch {
	case err == nil:
		return ReasonWalletAlreadyClaimed
	case errors.Is(err, storage.ErrNotFound):
		return ""
	default:
		return e.translator.Translate(err)
	}
}

// reserve takes the wallet's single in-flight slot. Whitelisted wallets force-fail a
// conflicting row and retry exactly once.
func (e *Evaluator) reserve(ctx context.Context, addr string, id Identity, cls policy.Classification) (*domain.ClaimRecord, Reason) {
	req := storage.ReserveRequest{
		Address:   addr,
		Amount:    e.amount,
		AccountID: optionalString(id.AccountID),
	}

	for attempt := 0; ; attempt++ {
		res, err := e.store.Reserve(ctx, req)
		if err != nil {
			return nil, e.translator.Translate(err)
		}

		switch r := res.(type) {
		case *storage.Reserved:
			return r.Record, ""
		case *storage.Conflict:
			if !cls.Whitelisted || attempt > 0 {
				return nil, ReasonClaimInFlight
			}
			if _, err := e.store.MarkAbandoned(ctx, addr, forceAll); err != nil {
				return nil, e.translator.Translate(err)
			}
			e.logger.Info("force-failed conflicting claim for whitelisted wallet", zap.String("wallet", addr))
		default:
			return nil, ReasonUnknownError
		}
	}
}

// rollback deletes the reservation made by this call. It runs even if the caller
// has gone away so that no pending row outlives a failed evaluation. Returns false
// if the row was no longer pending.
func (e *Evaluator) rollback(ctx context.Context, addr string) bool {
	err := e.store.DeleteReservation(context.WithoutCancel(ctx), addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false
	case err != nil:
		e.logger.Error("roll back reservation", zap.String("wallet", addr), zap.Error(err))
	}
	return true
}

func ineligible(reason Reason) *Eligibility {
	return &Eligibility{Reason: reason}
}
