// Package msgstore is the durable store of accepted messages. It owns the
// unique constraint over (item_hash, sender, type, channel) that is the
// final authority on deduplication, and the per-chain sync cursors.
package msgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

var (
	// ErrDuplicate is returned by InsertAccepted when a row with the same
	// dedup key exists.
	ErrDuplicate = errors.New("message already stored")
	// ErrMissingConstraint is returned by VerifySchema when the dedup
	// unique index is absent. The node must not start without it.
	ErrMissingConstraint = errors.New("accepted_messages dedup unique constraint missing")
	// ErrCursorRegression is returned when a chain cursor would move
	// backwards.
	ErrCursorRegression = errors.New("chain cursor regression")
	// ErrInvalidRecord is returned by InsertAccepted when the database
	// refuses the values themselves. Retrying the same message cannot
	// succeed.
	ErrInvalidRecord = errors.New("record rejected by database")
	// ErrNotFound is returned by lookups without a result.
	ErrNotFound = errors.New("not found")
)

type Store interface {
	// VerifySchema fails with ErrMissingConstraint when the dedup unique
	// index is absent.
	VerifySchema(ctx context.Context) error
	// InsertAccepted writes msg in one transaction. A unique violation is
	// reported as ErrDuplicate, values the database cannot hold as
	// ErrInvalidRecord.
	InsertAccepted(ctx context.Context, msg *message.AcceptedMessage) error
	GetAccepted(ctx context.Context, key message.DedupKey) (*message.AcceptedMessage, error)
	CountAccepted(ctx context.Context) (int64, error)

	// ChainCursor returns the last confirmed height of chain, or false if
	// the chain was never synced.
	ChainCursor(ctx context.Context, chain string) (uint64, bool, error)
	// SaveChainCursor stores height, refusing to move backwards.
	SaveChainCursor(ctx context.Context, chain string, height uint64) error

	// RefreshViews recomputes the derived per-address statistics.
	RefreshViews(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// AddressStats is one row of the derived per-address statistics.
type AddressStats struct {
	Address    string
	Type       string
	NbMessages int64
}

var dedupColumns = []string{"item_hash", "sender", "type", "channel"}

// hasDedupIndex reports whether one of the index definitions, as found in
// pg_indexes.indexdef, is a full unique index over exactly the dedup
// columns.
func hasDedupIndex(defs []string) bool {
	for _, def := range defs {
		upper := strings.ToUpper(def)
		if !strings.HasPrefix(upper, "CREATE UNIQUE INDEX") || strings.Contains(upper, " WHERE ") {
			continue
		}
		open := strings.Index(def, "(")
		closing := strings.LastIndex(def, ")")
		if open < 0 || closing < open {
			continue
		}
		if sameColumns(strings.Split(def[open+1:closing], ",")) {
			return true
		}
	}
	return false
}

func sameColumns(cols []string) bool {
	if len(cols) != len(dedupColumns) {
		return false
	}
	want := make(map[string]bool, len(dedupColumns))
	for _, c := range dedupColumns {
		want[c] = true
	}
	for _, c := range cols {
		c = strings.ToLower(strings.Trim(strings.TrimSpace(c), `"`))
		if !want[c] {
			return false
		}
		delete(want, c)
	}
	return len(want) == 0
}
