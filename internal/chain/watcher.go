package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-ingest/internal/ingest"
	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/internal/msgstore"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const (
	logKeyChain  = "chain"
	logKeyHeight = "height"
	logKeyTx     = "tx"
	logKeyError  = "error"
)

// ErrBatchIncomplete is returned by SyncOnce when some candidate of the
// batch was deferred. The cursor stays where it was.
var ErrBatchIncomplete = errors.New("batch has deferred messages")

type WatcherConfig struct {
	Source   EventSource
	Cursors  CursorStore
	Ingester ingest.Ingester
	Decoder  *Decoder
	// StartHeight is the first height read when the chain was never
	// synced.
	StartHeight  uint64
	PollInterval time.Duration
	RetryDelay   time.Duration
	Concurrency  int
	// AuthorizedEmitters lists the addresses whose events are read. Empty
	// accepts every emitter.
	AuthorizedEmitters []string
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

type Watcher struct {
	config WatcherConfig
	chain  string
	log    *slog.Logger
}

func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Source == nil || config.Cursors == nil || config.Ingester == nil || config.Decoder == nil {
		return nil, errors.New("chain: source, cursors, ingester and decoder are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 30 * time.Second
	}
	if config.Concurrency < 1 {
		config.Concurrency = 8
	}
	chain := config.Source.Chain()
	return &Watcher{
		config: config,
		chain:  chain,
		log:    logging.OrDiscard(config.Logger).With(logKeyChain, chain),
	}, nil
}

// Run polls until ctx ends. Errors of a single poll are logged and the
// same range is read again after RetryDelay.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		advanced, err := w.SyncOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		switch {
		case err != nil:
			w.log.WarnContext(ctx, "chain sync incomplete, retrying", logKeyError, err)
			wait = w.config.RetryDelay
		case advanced:
			// Catching up.
			continue
		default:
			wait = w.config.PollInterval
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// cursor returns the last fully processed height.
func (w *Watcher) cursor(ctx context.Context) (uint64, error) {
	height, ok, err := w.config.Cursors.ChainCursor(ctx, w.chain)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	floor := uint64(0)
	if w.config.StartHeight > 0 {
		floor = w.config.StartHeight - 1
	}
	if !ok || height < floor {
		return floor, nil
	}
	return height, nil
}

// SyncOnce processes the events after the stored cursor and advances it
// if every candidate reached a terminal outcome.
func (w *Watcher) SyncOnce(ctx context.Context) (bool, error) {
	cursor, err := w.cursor(ctx)
	if err != nil {
		return false, err
	}
	batch, err := w.config.Source.EventsSince(ctx, cursor)
	if err != nil {
		return false, fmt.Errorf("read events after %d: %w", cursor, err)
	}
	if batch.Through <= cursor {
		return false, nil
	}

	candidates, complete := w.decode(ctx, batch)
	deferred := w.ingest(ctx, candidates)
	if !complete || deferred > 0 {
		return false, fmt.Errorf("heights %d-%d: %w (%d deferred)", cursor+1, batch.Through, ErrBatchIncomplete, deferred)
	}

	err = w.config.Cursors.SaveChainCursor(ctx, w.chain, batch.Through)
	if errors.Is(err, msgstore.ErrCursorRegression) {
		// Another node got further; the next poll starts from there.
		w.log.DebugContext(ctx, "cursor already ahead", logKeyHeight, batch.Through)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("save cursor: %w", err)
	}
	w.config.Metrics.ChainCursor(w.chain, batch.Through)
	w.log.DebugContext(ctx, "chain cursor advanced",
		logKeyHeight, batch.Through, "events", len(batch.Events), "messages", len(candidates))
	return true, nil
}

// decode returns the candidates of every authorized event. complete is
// false when an event has to be read again later.
func (w *Watcher) decode(ctx context.Context, batch Batch) ([]message.CandidateMessage, bool) {
	complete := true
	var candidates []message.CandidateMessage
	for _, ev := range batch.Events {
		if !w.authorized(ev.Publisher) {
			w.log.InfoContext(ctx, "skipping event from unauthorized emitter",
				"publisher", ev.Publisher, logKeyHeight, ev.Height, logKeyTx, ev.TxHash)
			continue
		}
		found, err := w.config.Decoder.Decode(ctx, w.chain, ev)
		switch {
		case err == nil:
			candidates = append(candidates, found...)
		case IsRetryable(err):
			w.log.DebugContext(ctx, "event content unavailable", logKeyTx, ev.TxHash, logKeyError, err)
			complete = false
		default:
			w.log.WarnContext(ctx, "rejecting chain event",
				logKeyTx, ev.TxHash, logKeyHeight, ev.Height, logKeyError, err)
		}
	}
	return candidates, complete
}

func (w *Watcher) authorized(publisher string) bool {
	if len(w.config.AuthorizedEmitters) == 0 {
		return true
	}
	for _, a := range w.config.AuthorizedEmitters {
		if strings.EqualFold(a, publisher) {
			return true
		}
	}
	return false
}

// ingest runs the candidates through the pipeline and returns how many
// were deferred.
func (w *Watcher) ingest(ctx context.Context, candidates []message.CandidateMessage) int {
	var deferred atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if !w.config.Ingester.Ingest(gctx, c).IsTerminal() {
				deferred.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(deferred.Load())
}
