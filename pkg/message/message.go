// Package message defines the units that flow through the ingestion
// pipeline: candidates arriving from gossip or chains, the dedup key that
// identifies them across sources, and the accepted record that is written
// to durable storage.
package message

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
)

// ItemType tells where the content of a message lives.
type ItemType string

const (
	// ItemTypeInline messages carry their content in the envelope.
	ItemTypeInline ItemType = "inline"
	// ItemTypeStorage messages reference a raw-hash blob in local storage.
	ItemTypeStorage ItemType = "storage"
	// ItemTypeIPFS messages reference a CID on the IPFS network.
	ItemTypeIPFS ItemType = "ipfs"
)

// IsByReference reports whether the content must be fetched from a
// content store.
func (t ItemType) IsByReference() bool {
	return t == ItemTypeStorage || t == ItemTypeIPFS
}

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	return t == ItemTypeInline || t.IsByReference()
}

// ItemTypeForScheme returns the by-reference item type that owns
// identifiers of the given scheme.
func ItemTypeForScheme(s hashscheme.Scheme) ItemType {
	if s.IsIPFS() {
		return ItemTypeIPFS
	}
	return ItemTypeStorage
}

// Provenance records which source delivered a candidate: "gossip" or
// "chain:<chain-id>".
type Provenance string

// ProvenanceGossip marks candidates received from the p2p network.
const ProvenanceGossip Provenance = "gossip"

const chainProvenancePrefix = "chain:"

// ChainProvenance returns the provenance of candidates emitted by the
// watcher of chainID.
func ChainProvenance(chainID string) Provenance {
	return Provenance(chainProvenancePrefix + chainID)
}

// IsChain reports whether p names a chain watcher.
func (p Provenance) IsChain() bool {
	return strings.HasPrefix(string(p), chainProvenancePrefix)
}

// ChainID returns the chain id of a chain provenance, or "".
func (p Provenance) ChainID() string {
	if !p.IsChain() {
		return ""
	}
	return strings.TrimPrefix(string(p), chainProvenancePrefix)
}

// CandidateMessage is an unvalidated message handed to the pipeline by a
// source adapter.
type CandidateMessage struct {
	Provenance Provenance
	// Sender is the address of the message author, not the relaying peer.
	Sender  string
	Type    string
	Channel string
	// Chain is the chain the sender signed with (e.g. "ETH").
	Chain       string
	ItemType    ItemType
	ItemHash    string
	ItemContent []byte
	Time        time.Time
	Signature   []byte

	// Topic is the gossip topic or chain event kind the candidate came from.
	Topic string
	// Peer is the relaying peer for gossip deliveries or the transaction
	// hash for chain events. Informational only.
	Peer string
}

// DedupKey returns the key that identifies the message regardless of the
// source that delivered it.
func (c CandidateMessage) DedupKey() DedupKey {
	return DedupKey{
		ItemHash: c.ItemHash,
		Sender:   c.Sender,
		Type:     c.Type,
		Channel:  c.Channel,
	}
}

// DedupKey is the (item_hash, sender, type, channel) tuple. The durable
// store carries a unique constraint over exactly these columns.
type DedupKey struct {
	ItemHash string
	Sender   string
	Type     string
	Channel  string
}

// CacheKey returns a fixed length cache key for k. Fields are length
// prefixed before hashing so that no two distinct tuples can collide by
// shifting bytes between fields.
func (k DedupKey) CacheKey() string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, field := range []string{k.ItemHash, k.Sender, k.Type, k.Channel} {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
		h.Write(lenBuf[:])
		h.Write([]byte(field))
	}
	return "dedup:" + hex.EncodeToString(h.Sum(nil))
}

// AcceptedMessage is a candidate that passed every pipeline stage. It is
// the unit written to durable storage.
type AcceptedMessage struct {
	DedupKey
	Chain      string
	Provenance Provenance
	ItemType   ItemType
	// ItemContent is the raw inline payload. Empty for by-reference items.
	ItemContent []byte
	// Content is the resolved message content.
	Content    json.RawMessage
	Size       int
	Signature  []byte
	Time       time.Time
	ReceivedAt time.Time
	// Backend names the content store backend the content came from.
	Backend string
}
