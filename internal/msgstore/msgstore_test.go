package msgstore

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

func openSQLite(t *testing.T, createSchema bool) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "messages.sqlite"),
		CreateSchema: createSchema,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func acceptedMessage(hash, sender string) *message.AcceptedMessage {
	return &message.AcceptedMessage{
		DedupKey: message.DedupKey{
			ItemHash: hash,
			Sender:   sender,
			Type:     "POST",
			Channel:  "TEST",
		},
		Chain:       "ETH",
		Provenance:  message.ProvenanceGossip,
		ItemType:    message.ItemTypeInline,
		ItemContent: []byte(`{"body":"hello"}`),
		Content:     []byte(`{"body":"hello"}`),
		Size:        16,
		Signature:   []byte("0xsig"),
		Time:        time.Unix(1608297193, 717000000).UTC(),
		ReceivedAt:  time.Unix(1700000000, 0).UTC(),
		Backend:     "inline",
	}
}

func TestSQLiteVerifySchema(t *testing.T) {
	s := openSQLite(t, true)
	require.NoError(t, s.VerifySchema(context.Background()))
}

func TestSQLiteVerifySchemaWithoutConstraint(t *testing.T) {
	s := openSQLite(t, false)

	conn, err := s.pool.Take(context.Background())
	require.NoError(t, err)
	err = sqlitex.ExecuteScript(conn, `
		CREATE TABLE accepted_messages (item_hash TEXT, sender TEXT, type TEXT, channel TEXT);
		CREATE UNIQUE INDEX wrong_columns ON accepted_messages (item_hash, sender);
		CREATE INDEX not_unique ON accepted_messages (item_hash, sender, type, channel);`, nil)
	s.pool.Put(conn)
	require.NoError(t, err)

	assert.ErrorIs(t, s.VerifySchema(context.Background()), ErrMissingConstraint)
}

func TestSQLiteInsertAndGet(t *testing.T) {
	s := openSQLite(t, true)
	ctx := context.Background()
	msg := acceptedMessage("4bbcfe7c4775492c2e602d322d68f558891468927b5e0d6cb89ff880134f323e", "0xabc")

	require.NoError(t, s.InsertAccepted(ctx, msg))

	got, err := s.GetAccepted(ctx, msg.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, msg.DedupKey, got.DedupKey)
	assert.Equal(t, msg.Provenance, got.Provenance)
	assert.Equal(t, string(msg.Content), string(got.Content))
	assert.Equal(t, msg.Signature, got.Signature)
	assert.True(t, msg.Time.Equal(got.Time))
	assert.Equal(t, msg.Size, got.Size)

	other := msg.DedupKey
	other.Channel = "ELSEWHERE"
	_, err = s.GetAccepted(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDuplicateInsert(t *testing.T) {
	s := openSQLite(t, true)
	ctx := context.Background()
	msg := acceptedMessage("aa", "0xabc")

	require.NoError(t, s.InsertAccepted(ctx, msg))
	assert.ErrorIs(t, s.InsertAccepted(ctx, msg), ErrDuplicate)

	// Any field of the key differing makes a distinct message.
	variant := acceptedMessage("aa", "0xabc")
	variant.Type = "AGGREGATE"
	require.NoError(t, s.InsertAccepted(ctx, variant))

	n, err := s.CountAccepted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteConcurrentDuplicateInsert(t *testing.T) {
	s := openSQLite(t, true)

	var inserted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertAccepted(context.Background(), acceptedMessage("race", "0xabc"))
			switch {
			case err == nil:
				inserted.Add(1)
			case assert.ErrorIs(t, err, ErrDuplicate):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	assert.Equal(t, int32(15), duplicates.Load())
}

func TestSQLiteChainCursor(t *testing.T) {
	s := openSQLite(t, true)
	ctx := context.Background()

	_, found, err := s.ChainCursor(ctx, "ETH")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveChainCursor(ctx, "ETH", 100))
	require.NoError(t, s.SaveChainCursor(ctx, "ETH", 100))
	require.NoError(t, s.SaveChainCursor(ctx, "ETH", 150))
	assert.ErrorIs(t, s.SaveChainCursor(ctx, "ETH", 120), ErrCursorRegression)

	height, found, err := s.ChainCursor(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(150), height)

	require.NoError(t, s.SaveChainCursor(ctx, "NULS2", 1))
	height, _, err = s.ChainCursor(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), height, "cursors are per chain")
}

func TestSQLiteRefreshViews(t *testing.T) {
	s := openSQLite(t, true)
	ctx := context.Background()

	for _, hash := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertAccepted(ctx, acceptedMessage(hash, "0xabc")))
	}
	require.NoError(t, s.InsertAccepted(ctx, acceptedMessage("d", "0xdef")))

	stats, err := s.AddressStats(ctx, "0xabc")
	require.NoError(t, err)
	assert.Empty(t, stats, "stats only change on refresh")

	require.NoError(t, s.RefreshViews(ctx))
	stats, err = s.AddressStats(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, []AddressStats{{Address: "0xabc", Type: "POST", NbMessages: 3}}, stats)
}

func TestHasDedupIndex(t *testing.T) {
	cases := []struct {
		name string
		defs []string
		want bool
	}{
		{"exact", []string{
			"CREATE UNIQUE INDEX accepted_messages_dedup ON public.accepted_messages USING btree (item_hash, sender, type, channel)",
		}, true},
		{"reordered and quoted", []string{
			`CREATE UNIQUE INDEX x ON public.accepted_messages USING btree (sender, "type", item_hash, channel)`,
		}, true},
		{"among others", []string{
			"CREATE UNIQUE INDEX accepted_messages_pkey ON public.accepted_messages USING btree (id)",
			"CREATE UNIQUE INDEX d ON public.accepted_messages USING btree (item_hash, sender, type, channel)",
		}, true},
		{"not unique", []string{
			"CREATE INDEX d ON public.accepted_messages USING btree (item_hash, sender, type, channel)",
		}, false},
		{"partial", []string{
			"CREATE UNIQUE INDEX d ON public.accepted_messages USING btree (item_hash, sender, type, channel) WHERE (channel <> ''::text)",
		}, false},
		{"missing column", []string{
			"CREATE UNIQUE INDEX d ON public.accepted_messages USING btree (item_hash, sender, type)",
		}, false},
		{"extra column", []string{
			"CREATE UNIQUE INDEX d ON public.accepted_messages USING btree (item_hash, sender, type, channel, chain)",
		}, false},
		{"none", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hasDedupIndex(tc.defs))
		})
	}
}
