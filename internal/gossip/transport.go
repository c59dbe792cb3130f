// Package gossip connects the ingestion pipeline to the p2p message
// network: a pluggable publish/subscribe transport, the listener feeding
// received payloads into the pipeline, and publish-side validation.
package gossip

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next and Publish once the transport or the
// subscription is closed.
var ErrClosed = errors.New("gossip transport closed")

// Delivery is one payload received on a topic.
type Delivery struct {
	Topic string
	Data  []byte
	// From is the relaying peer, not the message author.
	From string
}

type Subscription interface {
	// Next blocks until a delivery arrives, ctx ends or the subscription
	// is cancelled.
	Next(ctx context.Context) (Delivery, error)
	Cancel()
}

type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	Close() error
}

// subscriptionBuffer matches the per-subscription queue of gossipsub;
// deliveries to a full subscription are dropped.
const subscriptionBuffer = 32

// MemoryNetwork is an in-process broadcast medium. Every transport joined
// to it receives what any of them publishes, including itself.
type MemoryNetwork struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Join returns a transport that publishes as peer.
func (n *MemoryNetwork) Join(peer string) *MemoryTransport {
	return &MemoryTransport{network: n, peer: peer, done: make(chan struct{})}
}

func (n *MemoryNetwork) add(s *memorySubscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[s.topic] == nil {
		n.subs[s.topic] = make(map[*memorySubscription]struct{})
	}
	n.subs[s.topic][s] = struct{}{}
}

func (n *MemoryNetwork) remove(s *memorySubscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[s.topic], s)
}

func (n *MemoryNetwork) broadcast(d Delivery) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for s := range n.subs[d.Topic] {
		select {
		case s.ch <- d:
		default:
		}
	}
}

type MemoryTransport struct {
	network   *MemoryNetwork
	peer      string
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}
	s := &memorySubscription{
		network:   t.network,
		topic:     topic,
		ch:        make(chan Delivery, subscriptionBuffer),
		cancelled: make(chan struct{}),
		transport: t.done,
	}
	t.network.add(s)
	return s, nil
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	t.network.broadcast(Delivery{Topic: topic, Data: append([]byte(nil), data...), From: t.peer})
	return nil
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

type memorySubscription struct {
	network    *MemoryNetwork
	topic      string
	ch         chan Delivery
	cancelled  chan struct{}
	transport  <-chan struct{}
	cancelOnce sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	case <-s.cancelled:
		return Delivery{}, ErrClosed
	case <-s.transport:
		s.Cancel()
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (s *memorySubscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.network.remove(s)
		close(s.cancelled)
	})
}
