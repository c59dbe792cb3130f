// Package ingest runs candidate messages through dedup, classification,
// content resolution, validation and commit, and reports one Outcome per
// attempt.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-ingest/internal/contentstore"
	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/internal/msgstore"
	"github.com/i5heu/ouroboros-ingest/internal/nodecache"
	"github.com/i5heu/ouroboros-ingest/internal/workerpool"
	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const (
	logKeyProvenance = "provenance"
	logKeyItemHash   = "item_hash"
	logKeySender     = "sender"
	logKeyType       = "type"
	logKeyChannel    = "channel"
	logKeyOutcome    = "outcome"
	logKeyError      = "error"
)

// BackendInline names inline payloads in AcceptedMessage.Backend.
const BackendInline = "inline"

// ContentFetcher resolves by-reference content.
type ContentFetcher interface {
	Fetch(ctx context.Context, id string) (contentstore.ResolvedContent, error)
}

// Ingester is what source adapters hand candidates to.
type Ingester interface {
	Ingest(ctx context.Context, c message.CandidateMessage) message.Outcome
}

// Subscriber is notified of every accepted message after it is committed.
type Subscriber func(ctx context.Context, msg *message.AcceptedMessage)

type Config struct {
	Cache   nodecache.Cache
	Store   msgstore.Store
	Content ContentFetcher
	Pool    *workerpool.WorkerPool
	// Validator defaults to JSONContentValidator.
	Validator Validator
	// CleanupTimeout bounds marker release and commit after the caller's
	// context is gone.
	CleanupTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Pipeline struct {
	config Config
	log    *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
}

var _ Ingester = (*Pipeline)(nil)

func New(config Config) (*Pipeline, error) {
	switch {
	case config.Cache == nil:
		return nil, errors.New("ingest: cache is required")
	case config.Store == nil:
		return nil, errors.New("ingest: store is required")
	case config.Content == nil:
		return nil, errors.New("ingest: content fetcher is required")
	case config.Pool == nil:
		return nil, errors.New("ingest: worker pool is required")
	}
	if config.Validator == nil {
		config.Validator = JSONContentValidator{}
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pipeline{config: config, log: logging.OrDiscard(config.Logger)}, nil
}

// OnAccepted registers fn for every message accepted from now on.
func (p *Pipeline) OnAccepted(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Ingest runs c through every stage. It never returns an error; every
// terminating condition maps to an Outcome.
func (p *Pipeline) Ingest(ctx context.Context, c message.CandidateMessage) message.Outcome {
	start := p.config.Now()
	outcome := p.ingest(ctx, &c)
	p.report(ctx, c, outcome, p.config.Now().Sub(start))
	return outcome
}

func (p *Pipeline) ingest(ctx context.Context, c *message.CandidateMessage) message.Outcome {
	if !c.ItemType.Valid() || c.Sender == "" || c.Type == "" {
		return message.Rejected(message.ReasonMalformed,
			fmt.Errorf("incomplete candidate: item_type=%q sender=%q type=%q", c.ItemType, c.Sender, c.Type))
	}

	// The dedup key needs the item hash, so inline payloads without one
	// are hashed before the gate.
	derived := false
	if c.ItemType == message.ItemTypeInline && c.ItemHash == "" {
		digest, err := p.config.Pool.SHA256Hex(ctx, c.ItemContent)
		if err != nil {
			return message.Deferred(message.ReasonCanceled, err)
		}
		c.ItemHash = digest
		derived = true
	}

	key := c.DedupKey()
	lease, acquired, err := p.config.Cache.TryAcquire(ctx, key.CacheKey())
	if err != nil {
		return p.deferCacheError(ctx, err)
	}
	if !acquired {
		committed, err := p.config.Cache.IsCommitted(ctx, key.CacheKey())
		if err != nil {
			return p.deferCacheError(ctx, err)
		}
		if committed {
			return message.Rejected(message.ReasonDuplicate, nil)
		}
		return message.Deferred(message.ReasonInFlight, nil)
	}

	outcome := p.process(ctx, c, derived)
	switch {
	case outcome.Status == message.StatusAccepted,
		outcome.Status == message.StatusRejected && outcome.Reason == message.ReasonDuplicate:
		// A duplicate found by the store means the cache missed a
		// committed key; repair it.
		p.markCommitted(ctx, lease)
	default:
		p.release(ctx, lease)
	}

	if outcome.Status == message.StatusAccepted {
		p.notify(ctx, outcome.Accepted)
	}
	return outcome
}

func (p *Pipeline) deferCacheError(ctx context.Context, err error) message.Outcome {
	if ctx.Err() != nil {
		return message.Deferred(message.ReasonCanceled, ctx.Err())
	}
	return message.Deferred(message.ReasonCacheUnavailable, err)
}

// process runs the stages after the gate. The caller owns the marker.
func (p *Pipeline) process(ctx context.Context, c *message.CandidateMessage, derived bool) message.Outcome {
	content, backend, outcome, ok := p.resolve(ctx, c, derived)
	if !ok {
		return outcome
	}

	if err := p.config.Validator.Validate(ctx, *c, content); err != nil {
		return message.Rejected(message.ReasonInvalidSchema, err)
	}

	accepted := &message.AcceptedMessage{
		DedupKey:   c.DedupKey(),
		Chain:      c.Chain,
		Provenance: c.Provenance,
		ItemType:   c.ItemType,
		Content:    content,
		Size:       len(content),
		Signature:  c.Signature,
		Time:       c.Time,
		ReceivedAt: p.config.Now().UTC(),
		Backend:    backend,
	}
	if c.ItemType == message.ItemTypeInline {
		accepted.ItemContent = c.ItemContent
	}

	err := p.config.Store.InsertAccepted(ctx, accepted)
	switch {
	case err == nil:
		return message.Accepted(accepted)
	case errors.Is(err, msgstore.ErrDuplicate):
		return message.Rejected(message.ReasonDuplicate, nil)
	case errors.Is(err, msgstore.ErrInvalidRecord):
		return message.Rejected(message.ReasonInvalidSchema, err)
	case ctx.Err() != nil:
		return message.Deferred(message.ReasonCanceled, ctx.Err())
	default:
		return message.Deferred(message.ReasonStoreUnavailable, err)
	}
}

// resolve classifies the identifier and returns the message content.
func (p *Pipeline) resolve(
	ctx context.Context,
	c *message.CandidateMessage,
	derived bool,
) ([]byte, string, message.Outcome, bool) {
	scheme, err := hashscheme.Classify(c.ItemHash)
	if err != nil {
		return nil, "", message.Rejected(message.ReasonMalformed, err), false
	}

	if c.ItemType == message.ItemTypeInline {
		if scheme != hashscheme.SchemeRawHash {
			return nil, "", message.Rejected(message.ReasonMalformed,
				fmt.Errorf("inline item hash %s is a %s, want raw hash", c.ItemHash, scheme)), false
		}
		if !derived {
			digest, err := p.config.Pool.SHA256Hex(ctx, c.ItemContent)
			if err != nil {
				return nil, "", message.Deferred(message.ReasonCanceled, err), false
			}
			if digest != c.ItemHash {
				return nil, "", message.Rejected(message.ReasonIntegrity,
					fmt.Errorf("inline content hashes to %s, claimed %s", digest, c.ItemHash)), false
			}
		}
		return c.ItemContent, BackendInline, message.Outcome{}, true
	}

	if want := message.ItemTypeForScheme(scheme); want != c.ItemType {
		return nil, "", message.Rejected(message.ReasonMalformed,
			fmt.Errorf("item_type %s does not match %s identifier", c.ItemType, scheme)), false
	}

	resolved, err := p.config.Content.Fetch(ctx, c.ItemHash)
	switch {
	case err == nil:
		return resolved.Data, resolved.Backend, message.Outcome{}, true
	case ctx.Err() != nil:
		return nil, "", message.Deferred(message.ReasonCanceled, ctx.Err()), false
	case errors.Is(err, contentstore.ErrContentIntegrity):
		return nil, "", message.Rejected(message.ReasonIntegrity, err), false
	case errors.Is(err, contentstore.ErrContentTooLarge):
		return nil, "", message.Rejected(message.ReasonTooLarge, err), false
	case errors.Is(err, hashscheme.ErrUnknownHashScheme):
		return nil, "", message.Rejected(message.ReasonMalformed, err), false
	default:
		return nil, "", message.Deferred(message.ReasonFetchFailed, err), false
	}
}

// cleanupContext survives cancellation of ctx so markers are never left
// behind on shutdown.
func (p *Pipeline) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.config.CleanupTimeout)
}

func (p *Pipeline) release(ctx context.Context, lease nodecache.Lease) {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()
	if err := p.config.Cache.Release(cctx, lease); err != nil {
		p.log.WarnContext(ctx, "could not release in-flight marker, it will expire",
			"key", lease.Key, logKeyError, err)
	}
}

func (p *Pipeline) markCommitted(ctx context.Context, lease nodecache.Lease) {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()
	if err := p.config.Cache.MarkCommitted(cctx, lease); err != nil {
		p.log.WarnContext(ctx, "could not mark message committed in cache",
			"key", lease.Key, logKeyError, err)
	}
}

func (p *Pipeline) notify(ctx context.Context, msg *message.AcceptedMessage) {
	p.mu.RLock()
	subscribers := p.subscribers
	p.mu.RUnlock()
	for _, fn := range subscribers {
		fn(ctx, msg)
	}
}

func (p *Pipeline) report(ctx context.Context, c message.CandidateMessage, o message.Outcome, took time.Duration) {
	p.config.Metrics.Outcome(string(c.Provenance), o.Status.String(), string(o.Reason), took)

	attrs := []any{
		logKeyProvenance, string(c.Provenance),
		logKeyItemHash, c.ItemHash,
		logKeySender, c.Sender,
		logKeyType, c.Type,
		logKeyChannel, c.Channel,
		logKeyOutcome, o.String(),
	}
	if o.Err != nil {
		attrs = append(attrs, logKeyError, o.Err)
	}

	switch {
	case o.Status == message.StatusAccepted:
		p.log.InfoContext(ctx, "message accepted", attrs...)
	case o.Status == message.StatusDeferred, o.Reason == message.ReasonDuplicate:
		p.log.DebugContext(ctx, "message not ingested", attrs...)
	case o.Reason == message.ReasonIntegrity:
		p.log.WarnContext(ctx, "message failed integrity check", append(attrs, "suspect", true)...)
	default:
		p.log.WarnContext(ctx, "message rejected", attrs...)
	}
}
