package clickhouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-faucet/internal/domain"
	"pi-faucet/internal/storage"
	"pi-faucet/internal/storage/clickhouse"
)

const testWallet = "GAOOKQ7QW6ACTGQUD3R2DJHWQX6ICXFW6XW7FMIKSMDKRTFQSGFLPUV5"

func TestClaimEventStore_InsertAndGetByWallet(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := clickhouse.NewClaimEventStore(conn)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	second := &domain.ClaimEvent{
		EventID:         "evt-2",
		RecipientWallet: testWallet,
		AccountID:       "uid-1",
		Stage:           domain.ClaimStageExecute,
		Outcome:         "settled",
		Detail:          "https://ledger/tx/abc",
		OccurredAt:      base.Add(time.Second),
	}
	first := &domain.ClaimEvent{
		EventID:         "evt-1",
		RecipientWallet: testWallet,
		Stage:           domain.ClaimStageEvaluate,
		Outcome:         "eligible",
		OccurredAt:      base,
	}
	other := &domain.ClaimEvent{
		EventID:         "evt-3",
		RecipientWallet: "GOTHER",
		Stage:           domain.ClaimStageEvaluate,
		Outcome:         "blocked",
		OccurredAt:      base,
	}

	for _, e := range []*domain.ClaimEvent{second, first, other} {
		require.NoError(t, store.Insert(ctx, e))
	}

	got, err := store.GetByWallet(ctx, testWallet)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "evt-1", got[0].EventID)
	assert.Equal(t, "evt-2", got[1].EventID)
	assert.Equal(t, domain.ClaimStageExecute, got[1].Stage)
	assert.Equal(t, "uid-1", got[1].AccountID)
	assert.Equal(t, "https://ledger/tx/abc", got[1].Detail)
	assert.True(t, got[1].OccurredAt.Equal(second.OccurredAt))
}

func TestClaimEventStore_DuplicateEventID(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := clickhouse.NewClaimEventStore(conn)
	ctx := context.Background()

	e := &domain.ClaimEvent{
		EventID:         "evt-dup",
		RecipientWallet: testWallet,
		Stage:           domain.ClaimStageEvaluate,
		Outcome:         "eligible",
		OccurredAt:      time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, e))
	assert.ErrorIs(t, store.Insert(ctx, e), storage.ErrDuplicateKey)
}

func TestClaimEventStore_InvalidInput(t *testing.T) {
	// Validation happens before any query, so no container is needed.
	store := clickhouse.NewClaimEventStore(nil)
	assert.ErrorIs(t, store.Insert(context.Background(), &domain.ClaimEvent{}), storage.ErrInvalidInput)
}
