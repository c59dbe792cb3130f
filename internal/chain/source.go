package chain

import (
	"context"
	"time"
)

// EventKindSync tags candidates that came from a sync event.
const EventKindSync = "sync"

// Event is one sync event emitted by the contract.
type Event struct {
	Height    uint64
	TxHash    string
	Publisher string
	Timestamp time.Time
	// Payload is the chaindata document carried by the event.
	Payload []byte
}

// Batch holds the events of the heights (cursor, Through].
type Batch struct {
	Events  []Event
	Through uint64
}

type EventSource interface {
	Chain() string
	// EventsSince returns the events after cursor. Through equals cursor
	// when the chain has no new heights.
	EventsSince(ctx context.Context, cursor uint64) (Batch, error)
}

// CursorStore persists the last fully processed height per chain.
// msgstore.Store implements it.
type CursorStore interface {
	ChainCursor(ctx context.Context, chain string) (uint64, bool, error)
	SaveChainCursor(ctx context.Context, chain string, height uint64) error
}
