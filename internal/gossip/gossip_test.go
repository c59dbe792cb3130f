package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ingest/internal/testutil"
	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const topic = "ALIVE"

func envelope(t *testing.T, body string) []byte {
	t.Helper()
	data, err := message.EncodeEnvelope(message.CandidateMessage{
		Sender:      "0x696879aE4F6d8DaDD5b8F1cbb1e663B89b08f106",
		Type:        "POST",
		Channel:     "TEST",
		Chain:       "ETH",
		ItemType:    message.ItemTypeInline,
		ItemHash:    hashscheme.SHA256Hex([]byte(body)),
		ItemContent: []byte(body),
		Time:        time.Unix(1608297193, 0),
	})
	require.NoError(t, err)
	return data
}

type recordingIngester struct {
	mu      sync.Mutex
	seen    []message.CandidateMessage
	outcome message.Outcome
}

func (r *recordingIngester) Ingest(_ context.Context, c message.CandidateMessage) message.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
	return r.outcome
}

func (r *recordingIngester) Seen() []message.CandidateMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.CandidateMessage(nil), r.seen...)
}

type recordingDeferrer struct {
	mu       sync.Mutex
	deferred []message.CandidateMessage
}

func (r *recordingDeferrer) Defer(c message.CandidateMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, c)
	return true
}

func (r *recordingDeferrer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deferred)
}

func TestMemoryNetworkFanOut(t *testing.T) {
	network := NewMemoryNetwork()
	a, b := network.Join("a"), network.Join("b")
	ctx := context.Background()

	subA, err := a.Subscribe(ctx, topic)
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "OTHER")
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, topic, []byte("hi")))

	for _, sub := range []Subscription{subA, subB} {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, Delivery{Topic: topic, Data: []byte("hi"), From: "a"}, d)
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = other.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryTransportClose(t *testing.T) {
	tr := NewMemoryNetwork().Join("a")
	sub, err := tr.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Publish(context.Background(), topic, nil), ErrClosed)
	_, err = tr.Subscribe(context.Background(), topic)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisherValidates(t *testing.T) {
	network := NewMemoryNetwork()
	tr := network.Join("a")
	sub, err := tr.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	p := NewPublisher(tr, []string{topic})

	err = p.Publish(context.Background(), "SECRET", envelope(t, `{}`))
	assert.ErrorIs(t, err, ErrTopicNotAllowed)

	err = p.Publish(context.Background(), topic, []byte(`{"not":"a message"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	require.NoError(t, p.Publish(context.Background(), topic, envelope(t, `{}`)))
	d, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, envelope(t, `{}`), d.Data)
}

func startListener(t *testing.T, config ListenerConfig) {
	t.Helper()
	l, err := NewListener(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestListenerIngestsDeliveries(t *testing.T) {
	network := NewMemoryNetwork()
	ing := &recordingIngester{outcome: message.Accepted(&message.AcceptedMessage{})}
	retry := &recordingDeferrer{}
	startListener(t, ListenerConfig{
		Transport: network.Join("node"),
		Ingester:  ing,
		Topics:    []string{topic},
		Retry:     retry,
	})

	peer := network.Join("peer")
	payload := envelope(t, `{"n":1}`)
	// The subscription is set up asynchronously.
	require.Eventually(t, func() bool {
		_ = peer.Publish(context.Background(), topic, payload)
		return len(ing.Seen()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	c := ing.Seen()[0]
	assert.Equal(t, message.ProvenanceGossip, c.Provenance)
	assert.Equal(t, topic, c.Topic)
	assert.Equal(t, "peer", c.Peer)
	assert.Zero(t, retry.Len())
}

func TestListenerDropsUndecodablePayloads(t *testing.T) {
	network := NewMemoryNetwork()
	ing := &recordingIngester{outcome: message.Accepted(&message.AcceptedMessage{})}
	startListener(t, ListenerConfig{
		Transport: network.Join("node"),
		Ingester:  ing,
		Topics:    []string{topic},
	})

	peer := network.Join("peer")
	payload := envelope(t, `{"n":2}`)
	require.Eventually(t, func() bool {
		_ = peer.Publish(context.Background(), topic, []byte("\x00garbage"))
		_ = peer.Publish(context.Background(), topic, payload)
		return len(ing.Seen()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range ing.Seen() {
		assert.Equal(t, "POST", c.Type, "only decodable payloads reach the pipeline")
	}
}

func TestListenerDefersForRetry(t *testing.T) {
	network := NewMemoryNetwork()
	ing := &recordingIngester{outcome: message.Deferred(message.ReasonFetchFailed, nil)}
	retry := &recordingDeferrer{}
	startListener(t, ListenerConfig{
		Transport: network.Join("node"),
		Ingester:  ing,
		Topics:    []string{topic},
		Retry:     retry,
	})

	peer := network.Join("peer")
	payload := envelope(t, `{"n":3}`)
	require.Eventually(t, func() bool {
		_ = peer.Publish(context.Background(), topic, payload)
		return retry.Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewListenerRequiresTopics(t *testing.T) {
	_, err := NewListener(ListenerConfig{Transport: NewMemoryNetwork().Join("a"), Ingester: &recordingIngester{}})
	assert.Error(t, err)
}

func TestLibp2pTransport(t *testing.T) {
	testutil.RequireLong(t)
	ctx := context.Background()

	a, err := NewLibp2p(ctx, Libp2pConfig{Listen: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewLibp2p(ctx, Libp2pConfig{Listen: []string{"/ip4/127.0.0.1/tcp/0"}, Peers: a.Addrs()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	sub, err := a.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer sub.Cancel()
	_, err = b.Subscribe(ctx, topic)
	require.NoError(t, err)

	received := make(chan Delivery, 1)
	go func() {
		for {
			d, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if d.From != "" && string(d.Data) == "hello" {
				received <- d
				return
			}
		}
	}()

	// Gossipsub needs a few heartbeats to build the mesh.
	deadline := time.After(20 * time.Second)
	for {
		require.NoError(t, b.Publish(ctx, topic, []byte("hello")))
		select {
		case d := <-received:
			assert.Equal(t, topic, d.Topic)
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("message not delivered over libp2p")
		}
	}
}
