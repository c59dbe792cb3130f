// Package chain turns smart-contract sync events into candidate messages
// and advances a per-chain cursor once every candidate of a height range
// reached a terminal outcome.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-ingest/internal/contentstore"
	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

var (
	// ErrUnknownProtocol is returned for chaindata with an unsupported
	// protocol or version.
	ErrUnknownProtocol = errors.New("unknown chaindata protocol")
	// ErrInvalidChainData is returned for payloads that are not chaindata.
	ErrInvalidChainData = errors.New("invalid chaindata")
)

// Chaindata protocols written by the sync contract emitters.
const (
	ProtocolOnChain  = "aleph"
	ProtocolOffChain = "aleph-offchain"
	protocolVersion  = 1
)

// ContentFetcher resolves off-chain message batches.
type ContentFetcher interface {
	Fetch(ctx context.Context, id string) (contentstore.ResolvedContent, error)
}

type chainData struct {
	Protocol string          `json:"protocol"`
	Version  int             `json:"version"`
	Content  json.RawMessage `json:"content"`
}

type onChainContent struct {
	Messages []json.RawMessage `json:"messages"`
}

// Decoder extracts candidates from event payloads.
type Decoder struct {
	content ContentFetcher
	log     *slog.Logger
}

func NewDecoder(content ContentFetcher, logger *slog.Logger) *Decoder {
	return &Decoder{content: content, log: logging.OrDiscard(logger)}
}

// IsRetryable reports whether a Decode error may go away later, in which
// case the event must be presented again.
func IsRetryable(err error) bool {
	return errors.Is(err, contentstore.ErrContentUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Decode returns the candidates carried by ev. Individual messages that do
// not decode are logged and skipped; they cannot become valid later.
func (d *Decoder) Decode(ctx context.Context, chain string, ev Event) ([]message.CandidateMessage, error) {
	raw, err := d.messages(ctx, ev.Payload, true)
	if err != nil {
		return nil, err
	}

	prov := message.ChainProvenance(chain)
	candidates := make([]message.CandidateMessage, 0, len(raw))
	for i, m := range raw {
		c, err := message.DecodeEnvelope(m, prov)
		if err != nil {
			d.log.DebugContext(ctx, "skipping undecodable message in chaindata",
				logKeyTx, ev.TxHash, "index", i, logKeyError, err)
			continue
		}
		c.Topic = EventKindSync
		c.Peer = ev.TxHash
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (d *Decoder) messages(ctx context.Context, payload []byte, allowOffChain bool) ([]json.RawMessage, error) {
	var cd chainData
	if err := json.Unmarshal(payload, &cd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChainData, err)
	}

	switch {
	case cd.Protocol == ProtocolOnChain && cd.Version == protocolVersion:
		var content onChainContent
		if err := json.Unmarshal(cd.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: content: %v", ErrInvalidChainData, err)
		}
		if content.Messages == nil {
			return nil, fmt.Errorf("%w: content has no message list", ErrInvalidChainData)
		}
		return content.Messages, nil

	case cd.Protocol == ProtocolOffChain && cd.Version == protocolVersion && allowOffChain:
		var id string
		if err := json.Unmarshal(cd.Content, &id); err != nil {
			return nil, fmt.Errorf("%w: off-chain content is not a hash: %v", ErrInvalidChainData, err)
		}
		if _, err := hashscheme.Classify(id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChainData, err)
		}
		resolved, err := d.content.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch off-chain batch %s: %w", id, err)
		}
		return d.messages(ctx, bytes.TrimSpace(resolved.Data), false)

	default:
		return nil, fmt.Errorf("%w: %q version %d", ErrUnknownProtocol, cd.Protocol, cd.Version)
	}
}
