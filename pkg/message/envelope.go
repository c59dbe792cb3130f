package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
)

// ErrInvalidEnvelope is returned when a serialized message cannot be turned
// into a candidate.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

// MaxEnvelopeSize bounds a single serialized envelope.
const MaxEnvelopeSize = 4 << 20

// envelope is the wire form shared by the p2p network and on-chain
// message batches.
type envelope struct {
	Chain       string   `json:"chain"`
	ItemHash    string   `json:"item_hash,omitempty"`
	Sender      string   `json:"sender"`
	Type        string   `json:"type"`
	Channel     string   `json:"channel,omitempty"`
	ItemContent *string  `json:"item_content,omitempty"`
	ItemType    string   `json:"item_type,omitempty"`
	Signature   string   `json:"signature,omitempty"`
	Time        *float64 `json:"time"`
}

// DecodeEnvelope parses a serialized message into a candidate tagged with
// prov. It checks structure only: hashes, content and signatures are left
// to the pipeline.
func DecodeEnvelope(data []byte, prov Provenance) (CandidateMessage, error) {
	if len(data) > MaxEnvelopeSize {
		return CandidateMessage{}, fmt.Errorf("%w: %d bytes exceeds limit", ErrInvalidEnvelope, len(data))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return CandidateMessage{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return CandidateMessage{}, fmt.Errorf("%w: trailing data", ErrInvalidEnvelope)
	}
	return env.candidate(prov)
}

func (env envelope) candidate(prov Provenance) (CandidateMessage, error) {
	switch {
	case env.Sender == "":
		return CandidateMessage{}, fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	case env.Type == "":
		return CandidateMessage{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case env.Chain == "":
		return CandidateMessage{}, fmt.Errorf("%w: missing chain", ErrInvalidEnvelope)
	case env.Time == nil:
		return CandidateMessage{}, fmt.Errorf("%w: missing time", ErrInvalidEnvelope)
	case math.IsNaN(*env.Time) || math.IsInf(*env.Time, 0) || *env.Time < 0:
		return CandidateMessage{}, fmt.Errorf("%w: invalid time", ErrInvalidEnvelope)
	case hasNUL(env.Sender, env.Type, env.Channel, env.Chain, env.ItemHash):
		return CandidateMessage{}, fmt.Errorf("%w: NUL byte in key field", ErrInvalidEnvelope)
	}

	itemType, err := env.itemType()
	if err != nil {
		return CandidateMessage{}, err
	}

	c := CandidateMessage{
		Provenance: prov,
		Sender:     env.Sender,
		Type:       env.Type,
		Channel:    env.Channel,
		Chain:      env.Chain,
		ItemType:   itemType,
		ItemHash:   env.ItemHash,
		Time:       floatToTime(*env.Time),
		Signature:  []byte(env.Signature),
	}
	if itemType == ItemTypeInline {
		c.ItemContent = []byte(*env.ItemContent)
	}
	return c, nil
}

// itemType resolves the declared item type. Content in the envelope means
// inline; otherwise the hash shape decides.
func (env envelope) itemType() (ItemType, error) {
	declared := ItemType(env.ItemType)
	if env.ItemType != "" && !declared.Valid() {
		return "", fmt.Errorf("%w: unknown item_type %q", ErrInvalidEnvelope, env.ItemType)
	}

	if env.ItemContent != nil {
		if declared != "" && declared != ItemTypeInline {
			return "", fmt.Errorf("%w: item_content set for %s item", ErrInvalidEnvelope, declared)
		}
		return ItemTypeInline, nil
	}

	if declared == ItemTypeInline {
		return "", fmt.Errorf("%w: inline item without item_content", ErrInvalidEnvelope)
	}
	if env.ItemHash == "" {
		return "", fmt.Errorf("%w: missing item_hash", ErrInvalidEnvelope)
	}
	if declared != "" {
		return declared, nil
	}

	scheme, err := hashscheme.Classify(env.ItemHash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return ItemTypeForScheme(scheme), nil
}

// EncodeEnvelope serializes c into the wire form accepted by
// DecodeEnvelope. Provenance, topic and peer are not part of the wire
// form.
func EncodeEnvelope(c CandidateMessage) ([]byte, error) {
	ts := timeToFloat(c.Time)
	env := envelope{
		Chain:     c.Chain,
		ItemHash:  c.ItemHash,
		Sender:    c.Sender,
		Type:      c.Type,
		Channel:   c.Channel,
		ItemType:  string(c.ItemType),
		Signature: string(c.Signature),
		Time:      &ts,
	}
	if c.ItemType == ItemTypeInline {
		content := string(c.ItemContent)
		env.ItemContent = &content
	}
	return json.Marshal(env)
}

// hasNUL reports whether any field contains a NUL byte, which no text
// column can store.
func hasNUL(fields ...string) bool {
	for _, f := range fields {
		if strings.IndexByte(f, 0) >= 0 {
			return true
		}
	}
	return false
}

func floatToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func timeToFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
