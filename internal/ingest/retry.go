package ingest

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

type RetryConfig struct {
	// MaxAttempts counts the first delivery. A candidate still deferred
	// after MaxAttempts is dropped.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// QueueSize bounds the number of waiting candidates.
	QueueSize int
	// Concurrency bounds the retries running at once.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// RetryQueue re-presents deferred candidates with exponential backoff.
// It is how the gossip listener honours the Deferred contract, since the
// network will not redeliver.
type RetryQueue struct {
	ingester Ingester
	config   RetryConfig
	log      *slog.Logger

	mu      sync.Mutex
	pending retryHeap
	wake    chan struct{}
}

type retryItem struct {
	candidate message.CandidateMessage
	attempt   int
	due       time.Time
}

func NewRetryQueue(ingester Ingester, config RetryConfig) *RetryQueue {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = 30 * time.Second
	}
	if config.QueueSize < 1 {
		config.QueueSize = 10_000
	}
	if config.Concurrency < 1 {
		config.Concurrency = 4
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RetryQueue{
		ingester: ingester,
		config:   config,
		log:      logging.OrDiscard(config.Logger),
		wake:     make(chan struct{}, 1),
	}
}

// Defer schedules c after its first Deferred outcome. It reports false if
// the queue is full.
func (q *RetryQueue) Defer(c message.CandidateMessage) bool {
	return q.schedule(c, 1)
}

func (q *RetryQueue) schedule(c message.CandidateMessage, attempt int) bool {
	if attempt >= q.config.MaxAttempts {
		q.log.Warn("giving up on deferred message",
			logKeyItemHash, c.ItemHash, logKeyProvenance, string(c.Provenance), "attempts", attempt)
		return false
	}

	q.mu.Lock()
	if q.pending.Len() >= q.config.QueueSize {
		q.mu.Unlock()
		q.log.Warn("retry queue full, dropping message", logKeyItemHash, c.ItemHash)
		return false
	}
	heap.Push(&q.pending, &retryItem{
		candidate: c,
		attempt:   attempt,
		due:       q.config.Now().Add(q.delay(attempt)),
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// delay is InitialDelay doubled per previous attempt, capped at MaxDelay.
func (q *RetryQueue) delay(attempt int) time.Duration {
	d := q.config.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.config.MaxDelay {
			return q.config.MaxDelay
		}
	}
	return d
}

// Len returns the number of waiting candidates.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Run re-ingests candidates as they come due until ctx ends. Pending
// candidates are dropped on return.
func (q *RetryQueue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.config.Concurrency)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		item, wait := q.next()
		if item != nil {
			g.Go(func() error {
				q.retry(gctx, item)
				return nil
			})
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			_ = g.Wait()
			if n := q.Len(); n > 0 {
				q.log.Info("retry queue stopped with pending messages", "pending", n)
			}
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// next pops the earliest due item, or reports how long until one is due.
func (q *RetryQueue) next() (*retryItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil, time.Hour
	}
	head := q.pending[0]
	if wait := head.due.Sub(q.config.Now()); wait > 0 {
		return nil, wait
	}
	return heap.Pop(&q.pending).(*retryItem), 0
}

func (q *RetryQueue) retry(ctx context.Context, item *retryItem) {
	outcome := q.ingester.Ingest(ctx, item.candidate)
	if outcome.IsTerminal() || ctx.Err() != nil {
		return
	}
	q.schedule(item.candidate, item.attempt+1)
}

type retryHeap []*retryItem

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)        { *h = append(*h, x.(*retryItem)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
