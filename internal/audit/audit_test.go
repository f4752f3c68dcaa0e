package audit_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/audit"
	"libracirc/internal/errkind"
	"libracirc/internal/storage"
	"libracirc/internal/storage/storagetest"
)

type stockAdjusted struct {
	Delta int `json:"delta"`
}

func TestAppendLoadStream(t *testing.T) {
	db := storagetest.SQLite(t)
	store := audit.NewStore(db)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return store.Append(ctx, tx,
			audit.Record{AggregateID: "41", AggregateType: audit.Item, EventType: audit.ItemAdded, Data: map[string]any{"title": "Dune"}},
			audit.Record{AggregateID: "41", AggregateType: audit.Item, EventType: audit.StockAdjusted, Data: stockAdjusted{Delta: 2}},
			audit.Record{AggregateID: "m1", AggregateType: audit.Member, EventType: audit.MemberRegistered, Data: nil},
		)
	})
	require.NoError(t, err)

	events, err := store.Load(ctx, audit.Item, "41")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)
	assert.Equal(t, audit.StockAdjusted, events[1].EventType)

	var payload stockAdjusted
	require.NoError(t, events[1].Decode(&payload))
	assert.Equal(t, 2, payload.Delta)

	all, err := store.Stream(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := store.Stream(ctx, all[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	raw, err := json.Marshal(all[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_data":{"title":"Dune"}`)
}

func TestAppend_RolledBackWithTransaction(t *testing.T) {
	db := storagetest.SQLite(t)
	store := audit.NewStore(db)
	ctx := context.Background()
	abort := errkind.New(errkind.PreconditionFailed, "abort", "abort")

	err := db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := store.Append(ctx, tx, audit.Record{AggregateID: "1", AggregateType: audit.Loan, EventType: audit.LoanOpened}); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(t, err, abort)

	events, err := store.Stream(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppend_VersionCollisionIsRetryable(t *testing.T) {
	db := storagetest.SQLite(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO lending_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ('1', 'loan', 'LoanOpened', '{}', 1, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO lending_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES ('1', 'loan', 'LoanClosed', '{}', 1, CURRENT_TIMESTAMP)`)
	require.Error(t, err)
	assert.True(t, errkind.Retryable(storage.Classify(err)))
}
