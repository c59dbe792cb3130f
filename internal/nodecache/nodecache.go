// Package nodecache is the shared coordination cache of the node: dedup
// markers for in-flight and committed messages, short lived named locks,
// counters and small pieces of node state.
//
// The cache is never the authority on acceptance. A committed marker lets
// replays be dropped cheaply; the durable store decides.
package nodecache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnavailable wraps every backend failure. Callers treat it as
// transient.
var ErrUnavailable = errors.New("node cache unavailable")

// Key namespaces. Only dedup markers survive ResetEphemeral.
const (
	PrefixDedup   = "dedup:"
	PrefixLock    = "lock:"
	PrefixCounter = "counter:"
	PrefixState   = "state:"
)

var ephemeralPrefixes = []string{PrefixCounter, PrefixState, PrefixLock}

// Lease is proof of holding an in-flight marker or lock. Release only
// removes a marker whose token still matches.
type Lease struct {
	Key   string
	Token string
}

type Cache interface {
	// TryAcquire sets an in-flight marker on key unless any marker exists.
	TryAcquire(ctx context.Context, key string) (Lease, bool, error)
	// Release drops the in-flight marker of lease if it is still ours.
	Release(ctx context.Context, lease Lease) error
	// MarkCommitted replaces the marker with a committed one.
	MarkCommitted(ctx context.Context, lease Lease) error
	IsCommitted(ctx context.Context, key string) (bool, error)

	// AcquireLock takes the named lock for ttl. Release the returned lease
	// when done.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error)

	Incr(ctx context.Context, name string, delta int64) (int64, error)
	SetState(ctx context.Context, name, value string, ttl time.Duration) error
	GetState(ctx context.Context, name string) (string, bool, error)

	// ResetEphemeral deletes counters, state and locks and reports how
	// many keys were removed.
	ResetEphemeral(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config holds the expiry policy shared by every backend.
type Config struct {
	// InFlightTTL bounds how long a crashed holder blocks a key.
	InFlightTTL time.Duration
	// CommittedTTL is the retention of committed markers. Zero means no
	// expiry.
	CommittedTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.InFlightTTL <= 0 {
		c.InFlightTTL = 30 * time.Second
	}
	if c.CommittedTTL < 0 {
		c.CommittedTTL = 0
	}
	return c
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("nodecache: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
