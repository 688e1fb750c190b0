// Package faucet decides claim eligibility and settles faucet payments.
//
// Evaluator and Executor hold no locks of their own. Exclusion between concurrent
// callers for the same wallet comes entirely from the ClaimStore's atomic
// Reserve and MarkProcessing.
package faucet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/ledger"
	"pi-faucet/internal/policy"
	"pi-faucet/internal/storage"
)

// Defaults.
const (
	DefaultAbandonAfter  = 10 * time.Minute
	DefaultSubmitTimeout = 45 * time.Second

	// reconcileSkew widens ledger history lookups to absorb clock drift between
	// this process and the ledger's close times.
	reconcileSkew = time.Minute
)

// DefaultAmount is the fixed faucet payout.
var DefaultAmount = decimal.RequireFromString("0.01")

// forceAll is a touchedBefore cutoff that matches every in-flight row.
var forceAll = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Identity is the optional authenticated caller behind a request.
type Identity struct {
	AccountID string // identity provider uid
	Wallet    string // wallet address linked to the account, if the provider returned one
}

// Options configures an Evaluator or Executor.
type Options struct {
	Store  storage.ClaimStore      // required
	Ledger ledger.Client           // required
	Policy *policy.Snapshot        // nil means no exceptions
	Events storage.ClaimEventStore // optional audit log
	Logger *zap.Logger

	Amount        decimal.Decimal  // zero means DefaultAmount
	AbandonAfter  time.Duration    // zero means DefaultAbandonAfter
	SubmitTimeout time.Duration    // zero means DefaultSubmitTimeout
	Now           func() time.Time // nil means time.Now
}

// ErrMissingDependency is returned when a required option is nil.
var ErrMissingDependency = errors.New("faucet: missing dependency")

// core is the state shared by Evaluator and Executor.
type core struct {
	store         storage.ClaimStore
	ledger        ledger.Client
	policy        *policy.Snapshot
	events        storage.ClaimEventStore
	logger        *zap.Logger
	translator    *Translator
	amount        decimal.Decimal
	abandonAfter  time.Duration
	submitTimeout time.Duration
	now           func() time.Time
}

func newCore(opts Options) (*core, error) {
	if opts.Store == nil || opts.Ledger == nil {
		return nil, ErrMissingDependency
	}

	c := &core{
		store:         opts.Store,
		ledger:        opts.Ledger,
		policy:        opts.Policy,
		events:        opts.Events,
		logger:        opts.Logger,
		amount:        opts.Amount,
		abandonAfter:  opts.AbandonAfter,
		submitTimeout: opts.SubmitTimeout,
		now:           opts.Now,
	}
	if c.policy == nil {
		c.policy = policy.Empty()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if !c.amount.IsPositive() {
		c.amount = DefaultAmount
	}
	if c.abandonAfter <= 0 {
		c.abandonAfter = DefaultAbandonAfter
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = DefaultSubmitTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.translator = NewTranslator(c.logger)
	return c, nil
}

// staleCutoff is the moment before which an untouched in-flight row is presumed dead.
func (c *core) staleCutoff() time.Time {
	return c.now().Add(-c.abandonAfter)
}

// reconcile looks for a payment that settled the claim in an earlier attempt and,
// if one exists, records it as completed. The record may be pending or processing.
func (c *core) reconcile(ctx context.Context, r *domain.ClaimRecord) (*ledger.PaymentRecord, error) {
	found, err := c.ledger.FindPayment(ctx, ledger.PaymentQuery{
		Destination: r.RecipientWallet,
		Amount:      r.Amount,
		Since:       r.CreatedAt.Add(-reconcileSkew),
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}

	if r.Status == domain.ClaimStatusPending {
		if _, err := c.store.MarkProcessing(ctx, r.RecipientWallet, time.Time{}); err != nil {
			return nil, err
		}
	}
	if _, err := c.store.MarkCompleted(ctx, r.RecipientWallet, found.Link, true); err != nil {
		return nil, err
	}

	c.logger.Warn("reconciled claim from ledger history",
		zap.String("wallet", r.RecipientWallet),
		zap.String("claim_id", r.ID),
		zap.Int("attempts", r.Attempts),
		zap.String("hash", found.Hash),
	)
	return found, nil
}

// audit appends an event to the claim log. Failures are logged, never returned.
func (c *core) audit(ctx context.Context, stage domain.ClaimStage, wallet string, id Identity, outcome, detail string) {
	if c.events == nil {
		return
	}
	e := &domain.ClaimEvent{
		EventID:         uuid.NewString(),
		RecipientWallet: wallet,
		AccountID:       id.AccountID,
		Stage:           stage,
		Outcome:         outcome,
		Detail:          detail,
		OccurredAt:      c.now().UTC(),
	}
	if err := c.events.Insert(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("append claim event", zap.String("wallet", wallet), zap.Error(err))
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
