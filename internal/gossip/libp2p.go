package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

const connectTimeout = 10 * time.Second

type Libp2pConfig struct {
	// Listen holds multiaddrs such as /ip4/0.0.0.0/tcp/4025.
	Listen []string
	// Peers holds full multiaddrs including /p2p/<id> to dial at start.
	Peers  []string
	Logger *slog.Logger
}

// Libp2pTransport carries topics over gossipsub.
type Libp2pTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ Transport = (*Libp2pTransport)(nil)

// NewLibp2p starts a host and dials the configured peers. Peers that
// cannot be reached are logged and skipped.
func NewLibp2p(ctx context.Context, config Libp2pConfig) (*Libp2pTransport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(config.Listen...))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(tctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	t := &Libp2pTransport{
		host:   h,
		ps:     ps,
		log:    logging.OrDiscard(config.Logger),
		ctx:    tctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}
	t.log.Info("libp2p host started", "peer_id", h.ID().String(), "addrs", t.Addrs())

	for _, addr := range config.Peers {
		if err := t.Connect(ctx, addr); err != nil {
			t.log.Warn("could not connect to peer", "peer", addr, "error", err)
		}
	}
	return t, nil
}

// Connect dials a peer given as a full multiaddr.
func (t *Libp2pTransport) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := t.host.Connect(cctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return nil
}

// Addrs returns the dialable multiaddrs of this host.
func (t *Libp2pTransport) Addrs() []string {
	addrs := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		addrs = append(addrs, a.String()+"/p2p/"+t.host.ID().String())
	}
	return addrs
}

func (t *Libp2pTransport) topic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

func (t *Libp2pTransport) Subscribe(_ context.Context, name string) (Subscription, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	topic, err := t.topic(name)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	return &libp2pSubscription{sub: sub, topic: name}, nil
}

func (t *Libp2pTransport) Publish(ctx context.Context, name string, data []byte) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	topic, err := t.topic(name)
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (t *Libp2pTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	for name, topic := range t.topics {
		// Fails while subscriptions are still open; the host shutdown
		// below tears those down anyway.
		_ = topic.Close()
		delete(t.topics, name)
	}
	t.mu.Unlock()
	return t.host.Close()
}

type libp2pSubscription struct {
	sub   *pubsub.Subscription
	topic string
}

func (s *libp2pSubscription) Next(ctx context.Context) (Delivery, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
			return Delivery{}, ErrClosed
		}
		return Delivery{}, err
	}
	return Delivery{Topic: s.topic, Data: msg.Data, From: msg.ReceivedFrom.String()}, nil
}

func (s *libp2pSubscription) Cancel() { s.sub.Cancel() }
