package clickhouse

import (
	"context"
	"fmt"
	"time"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/observability"
	"pi-faucet/internal/storage"
)

// ClaimEventStore implements storage.ClaimEventStore using ClickHouse.
type ClaimEventStore struct {
	conn *Conn
}

// NewClaimEventStore creates a new ClaimEventStore.
func NewClaimEventStore(conn *Conn) *ClaimEventStore {
	return &ClaimEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ClaimEventStore = (*ClaimEventStore)(nil)

// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
func (s *ClaimEventStore) Insert(ctx context.Context, e *domain.ClaimEvent) (err error) {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "insert_claim_event", time.Since(start).Seconds(), err)
	}()

	// MergeTree does not enforce uniqueness, so check first.
	exists, err := s.exists(ctx, e.EventID)
	if err != nil {
		return fmt.Errorf("check exists: %w: %w", storage.ErrStorage, err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	err = s.conn.Exec(ctx, `
		INSERT INTO claim_events (
			event_id, recipient_wallet, account_id, stage, outcome, detail, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID,
		e.RecipientWallet,
		e.AccountID,
		string(e.Stage),
		e.Outcome,
		e.Detail,
		e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert claim event: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

// GetByWallet retrieves all events for a wallet, ordered by occurred_at ASC.
func (s *ClaimEventStore) GetByWallet(ctx context.Context, wallet string) ([]*domain.ClaimEvent, error) {
	query := `
		SELECT event_id, recipient_wallet, account_id, stage, outcome, detail, occurred_at
		FROM claim_events FINAL
		WHERE recipient_wallet = ?
		ORDER BY occurred_at ASC, event_id ASC
	`

	rows, err := s.conn.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("query claim events: %w: %w", storage.ErrStorage, err)
	}
	defer rows.Close()

	return scanClaimEvents(rows)
}

func (s *ClaimEventStore) exists(ctx context.Context, eventID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM claim_events WHERE event_id = ?`, eventID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanClaimEvents(rows chRows) ([]*domain.ClaimEvent, error) {
	var events []*domain.ClaimEvent

	for rows.Next() {
		var e domain.ClaimEvent
		var stage string
		if err := rows.Scan(
			&e.EventID,
			&e.RecipientWallet,
			&e.AccountID,
			&stage,
			&e.Outcome,
			&e.Detail,
			&e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan claim event: %w", err)
		}
		e.Stage = domain.ClaimStage(stage)
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim events: %w", err)
	}

	return events, nil
}
