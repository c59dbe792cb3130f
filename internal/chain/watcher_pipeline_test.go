package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ingest/internal/ingest"
	"github.com/i5heu/ouroboros-ingest/internal/msgstore"
	"github.com/i5heu/ouroboros-ingest/internal/nodecache"
	"github.com/i5heu/ouroboros-ingest/internal/workerpool"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

// namedSource serves the same events under another chain id.
type namedSource struct {
	*fakeSource
	chain string
}

func (s namedSource) Chain() string { return s.chain }

type recordingIngester struct {
	next     ingest.Ingester
	mu       sync.Mutex
	outcomes []message.Outcome
}

func (r *recordingIngester) Ingest(ctx context.Context, c message.CandidateMessage) message.Outcome {
	o := r.next.Ingest(ctx, c)
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	return o
}

func (r *recordingIngester) byStatus() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, o := range r.outcomes {
		out[o.String()]++
	}
	return out
}

type sharedPipeline struct {
	store    *msgstore.SQLite
	ingester *recordingIngester
}

// refusingStore rejects every record the way Postgres rejects NUL bytes
// in text columns.
type refusingStore struct {
	*msgstore.SQLite
}

func (refusingStore) InsertAccepted(context.Context, *message.AcceptedMessage) error {
	return fmt.Errorf("%w: invalid byte sequence for encoding \"UTF8\": 0x00", msgstore.ErrInvalidRecord)
}

func newSharedPipeline(t *testing.T, wrap ...func(*msgstore.SQLite) msgstore.Store) sharedPipeline {
	t.Helper()

	pool := workerpool.New(workerpool.Config{WorkerCount: 2})
	t.Cleanup(pool.Close)

	mr := miniredis.RunT(t)
	cache := nodecache.NewRedisFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}),
		nodecache.Config{InFlightTTL: time.Minute}, nil)
	t.Cleanup(func() { _ = cache.Close() })

	store, err := msgstore.OpenSQLite(msgstore.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "messages.sqlite"),
		CreateSchema: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var records msgstore.Store = store
	for _, w := range wrap {
		records = w(store)
	}
	pipeline, err := ingest.New(ingest.Config{
		Cache:   cache,
		Store:   records,
		Content: &fakeContent{},
		Pool:    pool,
	})
	require.NoError(t, err)

	return sharedPipeline{store: store, ingester: &recordingIngester{next: pipeline}}
}

func (p sharedPipeline) watcher(t *testing.T, source EventSource) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Source:       source,
		Cursors:      p.store,
		Ingester:     p.ingester,
		Decoder:      NewDecoder(&fakeContent{}, nil),
		StartHeight:  1,
		PollInterval: time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestTwoWatchersReplayingOneEventStoreItOnce(t *testing.T) {
	p := newSharedPipeline(t)
	events := &fakeSource{latest: 5, events: []Event{
		{Height: 5, Publisher: emitter, TxHash: "0xrelay", Payload: onChain(t, envelope(`{"n":"bridged"}`))},
	}}
	eth := p.watcher(t, namedSource{fakeSource: events, chain: "ETH"})
	bsc := p.watcher(t, namedSource{fakeSource: events, chain: "BSC"})
	ctx := context.Background()

	advanced, err := eth.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = bsc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, advanced, "a duplicate is terminal and lets the cursor move")

	assert.Equal(t, map[string]int{"accepted": 1, "rejected(duplicate)": 1}, p.ingester.byStatus())

	n, err := p.store.CountAccepted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, chain := range []string{"ETH", "BSC"} {
		h, ok, err := p.store.ChainCursor(ctx, chain)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(5), h, chain)
	}
}

func TestUnstorableMessageDoesNotStallCursor(t *testing.T) {
	p := newSharedPipeline(t, func(s *msgstore.SQLite) msgstore.Store { return refusingStore{s} })
	events := &fakeSource{latest: 9, events: []Event{
		{Height: 9, Publisher: emitter, Payload: onChain(t, envelope(`{"n":"\u0000"}`))},
	}}
	w := p.watcher(t, events)

	advanced, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, map[string]int{"rejected(invalid-schema)": 1}, p.ingester.byStatus())

	h, _, err := p.store.ChainCursor(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), h)
}

func TestConcurrentWatchersConvergeOnOneRecord(t *testing.T) {
	p := newSharedPipeline(t)
	events := &fakeSource{latest: 3, events: []Event{
		{Height: 2, Publisher: emitter, Payload: onChain(t, envelope(`{"n":1}`), envelope(`{"n":2}`))},
		{Height: 3, Publisher: emitter, Payload: onChain(t, envelope(`{"n":3}`))},
	}}
	watchers := []*Watcher{
		p.watcher(t, namedSource{fakeSource: events, chain: "ETH"}),
		p.watcher(t, namedSource{fakeSource: events, chain: "BSC"}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(watchers))
	for i, w := range watchers {
		wg.Add(1)
		go func(i int, w *Watcher) {
			defer wg.Done()
			for ctx.Err() == nil {
				advanced, err := w.SyncOnce(ctx)
				if err == nil && advanced {
					return
				}
				if err != nil && !errors.Is(err, ErrBatchIncomplete) {
					errs[i] = err
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
			errs[i] = ctx.Err()
		}(i, w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	n, err := p.store.CountAccepted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, p.ingester.byStatus()["accepted"])
}
