package msgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ingest/internal/testutil"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23502"}))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
	assert.False(t, isUniqueViolation(nil))
}

func TestIsDataException(t *testing.T) {
	assert.True(t, isDataException(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "22021"})))
	assert.True(t, isDataException(&pgconn.PgError{Code: "22P05"}))
	assert.False(t, isDataException(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isDataException(&pgconn.PgError{Code: "08006"}))
	assert.False(t, isDataException(errors.New("connection reset")))
}

// TestPostgres runs against a real server when INGEST_TEST_DATABASE_URL
// points at a disposable database.
func TestPostgres(t *testing.T) {
	url := testutil.DatabaseURL(t)
	ctx := context.Background()

	p, err := OpenPostgres(ctx, PostgresConfig{URL: url, CreateSchema: true})
	require.NoError(t, err)
	defer p.Close()
	_, err = p.pool.Exec(ctx, `TRUNCATE accepted_messages, chain_sync_status`)
	require.NoError(t, err)

	require.NoError(t, p.VerifySchema(ctx))

	msg := acceptedMessage("pg-hash", "0xabc")
	require.NoError(t, p.InsertAccepted(ctx, msg))
	assert.ErrorIs(t, p.InsertAccepted(ctx, msg), ErrDuplicate)

	got, err := p.GetAccepted(ctx, msg.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, msg.DedupKey, got.DedupKey)

	require.NoError(t, p.SaveChainCursor(ctx, "ETH", 10))
	assert.ErrorIs(t, p.SaveChainCursor(ctx, "ETH", 9), ErrCursorRegression)

	require.NoError(t, p.RefreshViews(ctx))
	stats, err := p.AddressStats(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, []AddressStats{{Address: "0xabc", Type: "POST", NbMessages: 1}}, stats)
}
