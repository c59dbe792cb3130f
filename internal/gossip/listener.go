package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-ingest/internal/ingest"
	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const (
	logKeyTopic = "topic"
	logKeyFrom  = "from"
	logKeyError = "error"
)

// Deferrer takes candidates that came back Deferred. *ingest.RetryQueue
// implements it.
type Deferrer interface {
	Defer(c message.CandidateMessage) bool
}

type ListenerConfig struct {
	Transport Transport
	Ingester  ingest.Ingester
	Topics    []string
	// Concurrency bounds in-flight ingestions per topic.
	Concurrency int
	// Retry receives deferred candidates. Nil drops them, since the
	// network does not redeliver.
	Retry   Deferrer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Listener feeds every delivery on its topics to the pipeline.
type Listener struct {
	config ListenerConfig
	log    *slog.Logger
}

func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Transport == nil || config.Ingester == nil {
		return nil, errors.New("gossip: transport and ingester are required")
	}
	if len(config.Topics) == 0 {
		return nil, errors.New("gossip: at least one topic is required")
	}
	if config.Concurrency < 1 {
		config.Concurrency = 16
	}
	return &Listener{config: config, log: logging.OrDiscard(config.Logger)}, nil
}

// Run subscribes to every topic and returns when ctx ends. A failing
// subscription is returned as an error so the caller can restart it.
func (l *Listener) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range l.config.Topics {
		topic := topic
		g.Go(func() error { return l.listen(gctx, topic) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) listen(ctx context.Context, topic string) error {
	sub, err := l.config.Transport.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer sub.Cancel()
	l.log.Info("listening for messages", logKeyTopic, topic)

	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(l.config.Concurrency)
	defer func() { _ = workers.Wait() }()

	for {
		d, err := sub.Next(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", topic, err)
		}
		workers.Go(func() error {
			l.handle(wctx, d)
			return nil
		})
	}
}

func (l *Listener) handle(ctx context.Context, d Delivery) {
	c, err := message.DecodeEnvelope(d.Data, message.ProvenanceGossip)
	if err != nil {
		// Garbage from the network is rejected here and never reaches the
		// pipeline.
		outcome := message.Rejected(message.ReasonDecodeError, err)
		l.config.Metrics.Outcome(string(message.ProvenanceGossip), outcome.Status.String(), string(outcome.Reason), 0)
		l.config.Metrics.GossipDelivery(d.Topic, string(message.ReasonDecodeError))
		l.log.DebugContext(ctx, "dropping undecodable gossip payload",
			logKeyTopic, d.Topic, logKeyFrom, d.From, logKeyError, err)
		return
	}
	c.Topic = d.Topic
	c.Peer = d.From

	outcome := l.config.Ingester.Ingest(ctx, c)
	l.config.Metrics.GossipDelivery(d.Topic, outcome.Status.String())
	if outcome.IsTerminal() || ctx.Err() != nil {
		return
	}
	if l.config.Retry == nil || !l.config.Retry.Defer(c) {
		l.log.WarnContext(ctx, "deferred gossip message dropped",
			logKeyTopic, d.Topic, "item_hash", c.ItemHash, "outcome", outcome.String())
	}
}
