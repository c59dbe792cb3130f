package gossip

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

var (
	// ErrTopicNotAllowed is returned for topics outside the publish
	// allow-list.
	ErrTopicNotAllowed = errors.New("topic not allowed")
	// ErrInvalidPayload is returned for payloads that are not a message
	// envelope.
	ErrInvalidPayload = errors.New("invalid gossip payload")
)

// Publisher checks outgoing payloads before they reach the network.
type Publisher struct {
	transport Transport
	allowed   map[string]struct{}
}

func NewPublisher(transport Transport, topics []string) *Publisher {
	allowed := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		allowed[t] = struct{}{}
	}
	return &Publisher{transport: transport, allowed: allowed}
}

func (p *Publisher) Publish(ctx context.Context, topic string, data []byte) error {
	if _, ok := p.allowed[topic]; !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotAllowed, topic)
	}
	if _, err := message.DecodeEnvelope(data, message.ProvenanceGossip); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.transport.Publish(ctx, topic, data)
}

// PublishMessage encodes c and publishes it.
func (p *Publisher) PublishMessage(ctx context.Context, topic string, c message.CandidateMessage) error {
	data, err := message.EncodeEnvelope(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.Publish(ctx, topic, data)
}
