package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/storage"
)

// ClaimStore implements storage.ClaimStore using PostgreSQL.
// The partial unique index claims_one_in_flight_per_wallet enforces one open claim per wallet.
type ClaimStore struct {
	pool *Pool
}

// NewClaimStore creates a new ClaimStore.
func NewClaimStore(pool *Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ClaimStore = (*ClaimStore)(nil)

const claimColumns = `id::text, recipient_wallet, amount::text, status, account_id, result_link, successful, attempts, created_at, updated_at`

// Reserve inserts a pending claim. Returns *storage.Conflict if the wallet already has one in flight.
func (s *ClaimStore) Reserve(ctx context.Context, req storage.ReserveRequest) (_ storage.ReserveResult, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	defer track("reserve_claim", &err)()

	query := `
		INSERT INTO claims (id, recipient_wallet, amount, status, account_id)
		VALUES ($1, $2, $3::numeric, 'pending', $4)
		RETURNING ` + claimColumns

	row := s.pool.QueryRow(ctx, query, uuid.NewString(), req.Address, req.Amount.String(), req.AccountID)
	r, err := scanClaim(row)
	if err != nil {
		if isConstraintViolation(err, inFlightConstraint) {
			return &storage.Conflict{Address: req.Address}, nil
		}
		return nil, wrapErr("reserve claim", err)
	}
	return &storage.Reserved{Record: r}, nil
}

// FindLatest returns the most recently created claim for the address.
func (s *ClaimStore) FindLatest(ctx context.Context, address string, statuses ...domain.ClaimStatus) (_ *domain.ClaimRecord, err error) {
	defer track("find_latest_claim", &err)()

	query := `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE recipient_wallet = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return s.findOne(ctx, "find latest claim", query, address, statusStrings(statuses))
}

// FindLatestByAccount returns the most recently created claim for the identity uid.
func (s *ClaimStore) FindLatestByAccount(ctx context.Context, accountID string, statuses ...domain.ClaimStatus) (_ *domain.ClaimRecord, err error) {
	if accountID == "" {
		return nil, storage.ErrInvalidInput
	}
	defer track("find_latest_claim_by_account", &err)()

	query := `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE account_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return s.findOne(ctx, "find latest claim by account", query, accountID, statusStrings(statuses))
}

// MarkProcessing moves the fresh pending claim to processing. Returns (nil, nil) if none qualifies.
func (s *ClaimStore) MarkProcessing(ctx context.Context, address string, freshAfter time.Time) (_ *domain.ClaimRecord, err error) {
	defer track("mark_processing", &err)()

	query := `
		UPDATE claims
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE recipient_wallet = $1 AND status = 'pending' AND updated_at > $2
		RETURNING ` + claimColumns

	r, err := scanClaim(s.pool.QueryRow(ctx, query, address, freshAfter))
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, wrapErr("mark processing", err)
	}
	return r, nil
}

// MarkCompleted settles the processing claim. An unsuccessful result moves it to failed.
func (s *ClaimStore) MarkCompleted(ctx context.Context, address, resultLink string, successful bool) (_ *domain.ClaimRecord, err error) {
	defer track("mark_completed", &err)()

	query := `
		UPDATE claims
		SET status = CASE WHEN $3 THEN 'completed' ELSE 'failed' END,
		    result_link = $2, successful = $3, updated_at = NOW()
		WHERE recipient_wallet = $1 AND status = 'processing'
		RETURNING ` + claimColumns

	return s.transition(ctx, "mark completed", query, address, resultLink, successful)
}

// MarkFailedToRetry returns the processing claim to pending.
func (s *ClaimStore) MarkFailedToRetry(ctx context.Context, address string) (_ *domain.ClaimRecord, err error) {
	defer track("mark_failed_to_retry", &err)()

	query := `
		UPDATE claims
		SET status = 'pending', updated_at = NOW()
		WHERE recipient_wallet = $1 AND status = 'processing'
		RETURNING ` + claimColumns

	return s.transition(ctx, "mark failed to retry", query, address)
}

// MarkAbandoned fails the in-flight claim if it has not been touched since touchedBefore.
func (s *ClaimStore) MarkAbandoned(ctx context.Context, address string, touchedBefore time.Time) (_ bool, err error) {
	defer track("mark_abandoned", &err)()

	tag, err := s.pool.Exec(ctx, `
		UPDATE claims
		SET status = 'failed', updated_at = NOW()
		WHERE recipient_wallet = $1
		  AND status IN ('pending', 'processing')
		  AND updated_at < $2
	`, address, touchedBefore)
	if err != nil {
		return false, wrapErr("mark abandoned", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteReservation removes the pending claim. Returns ErrNotFound if there is none.
func (s *ClaimStore) DeleteReservation(ctx context.Context, address string) (err error) {
	defer track("delete_reservation", &err)()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM claims WHERE recipient_wallet = $1 AND status = 'pending'
	`, address)
	if err != nil {
		return wrapErr("delete reservation", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// NormalizeReport summarizes a NormalizeWallets run.
type NormalizeReport struct {
	Updated           int64
	AlreadyNormalized int64
	Conflicts         int64 // rows left untouched because the canonical wallet already has an open claim
}

// NormalizeWallets rewrites recipient_wallet values to their trimmed uppercase form.
func (s *ClaimStore) NormalizeWallets(ctx context.Context) (report NormalizeReport, err error) {
	defer track("normalize_wallets", &err)()

	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM claims WHERE recipient_wallet = UPPER(BTRIM(recipient_wallet))
	`).Scan(&report.AlreadyNormalized)
	if err != nil {
		return report, wrapErr("count normalized wallets", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text FROM claims WHERE recipient_wallet <> UPPER(BTRIM(recipient_wallet)) ORDER BY created_at
	`)
	if err != nil {
		return report, wrapErr("select wallets to normalize", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return report, wrapErr("scan wallets to normalize", err)
	}

	for _, id := range ids {
		_, execErr := s.pool.Exec(ctx, `
			UPDATE claims SET recipient_wallet = UPPER(BTRIM(recipient_wallet)) WHERE id = $1
		`, id)
		switch {
		case execErr == nil:
			report.Updated++
		case isDuplicateKeyError(execErr):
			report.Conflicts++
		default:
			return report, wrapErr("normalize wallet", execErr)
		}
	}
	return report, nil
}

func (s *ClaimStore) findOne(ctx context.Context, op, query string, args ...any) (*domain.ClaimRecord, error) {
	r, err := scanClaim(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapErr(op, err)
	}
	return r, nil
}

func (s *ClaimStore) transition(ctx context.Context, op, query string, args ...any) (*domain.ClaimRecord, error) {
	r, err := scanClaim(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrIllegalTransition
		}
		return nil, wrapErr(op, err)
	}
	return r, nil
}

func statusStrings(statuses []domain.ClaimStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

// scanClaim scans a single row into a ClaimRecord.
func scanClaim(row pgx.Row) (*domain.ClaimRecord, error) {
	var r domain.ClaimRecord
	var amount, status string

	err := row.Scan(
		&r.ID,
		&r.RecipientWallet,
		&amount,
		&status,
		&r.AccountID,
		&r.ResultLink,
		&r.Successful,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	r.Status = domain.ClaimStatus(status)
	return &r, nil
}
