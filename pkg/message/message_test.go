package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// p2pMessage is a STORE message as relayed on the network.
var p2pMessage = map[string]any{
	"chain":        "NULS2",
	"item_hash":    "4bbcfe7c4775492c2e602d322d68f558891468927b5e0d6cb89ff880134f323e",
	"sender":       "NULSd6Hgbhr42Dm5nEgf6foEUT5bgwHesZQJB",
	"type":         "STORE",
	"channel":      "MYALEPH",
	"item_content": `{"address":"NULSd6Hgbhr42Dm5nEgf6foEUT5bgwHesZQJB","item_type":"ipfs","item_hash":"QmUDS8mpQmpPyptyUEedHxHMkxo7ueRRiAvrpgvJMpjXwW","time":1577325086.513}`,
	"item_type":    "inline",
	"signature":    "G7/xlWoMjjOr1NBN4SiZ8USYYVM9Q3JHXChR9hPw9/YSItfAplshWysqYDkvmBZiwbICG0IVB3ilMPJ/ZVgPNlk=",
	"time":         1608297193.717,
}

func encode(t *testing.T, m map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func withField(key string, value any) map[string]any {
	out := make(map[string]any, len(p2pMessage))
	for k, v := range p2pMessage {
		out[k] = v
	}
	if value == nil {
		delete(out, key)
	} else {
		out[key] = value
	}
	return out
}

func TestDecodeEnvelopeInline(t *testing.T) {
	c, err := DecodeEnvelope(encode(t, p2pMessage), ProvenanceGossip)
	require.NoError(t, err)

	assert.Equal(t, ProvenanceGossip, c.Provenance)
	assert.Equal(t, ItemTypeInline, c.ItemType)
	assert.Equal(t, "STORE", c.Type)
	assert.Equal(t, "MYALEPH", c.Channel)
	assert.Equal(t, "NULS2", c.Chain)
	assert.Equal(t, p2pMessage["item_content"], string(c.ItemContent))
	assert.Equal(t, int64(1608297193), c.Time.Unix())
}

func TestDecodeEnvelopeRejectsBrokenInput(t *testing.T) {
	valid := encode(t, p2pMessage)

	cases := map[string][]byte{
		"truncated json":      valid[:len(valid)-2],
		"not an object":       []byte(`"just a string"`),
		"trailing garbage":    append(append([]byte{}, valid...), []byte(` {}`)...),
		"trailing bracket":    append(append([]byte{}, valid...), ']'),
		"trailing brace":      append(append([]byte{}, valid...), '}'),
		"nul in sender":       encode(t, withField("sender", "NULSd6\x00Hgbhr")),
		"nul in channel":      encode(t, withField("channel", "MY\x00ALEPH")),
		"inline w/o content":  encode(t, withField("item_content", nil)),
		"missing sender":      encode(t, withField("sender", nil)),
		"missing time":        encode(t, withField("time", nil)),
		"unknown item type":   encode(t, withField("item_type", "carrier-pigeon")),
		"content for storage": encode(t, withField("item_type", "storage")),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(data, ProvenanceGossip)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestDecodeEnvelopeAllowsTrailingWhitespace(t *testing.T) {
	data := append(encode(t, p2pMessage), []byte("\n\t ")...)
	_, err := DecodeEnvelope(data, ProvenanceGossip)
	require.NoError(t, err)
}

func TestDecodeEnvelopeInfersItemTypeFromHash(t *testing.T) {
	m := withField("item_content", nil)
	delete(m, "item_type")

	m["item_hash"] = "QmUDS8mpQmpPyptyUEedHxHMkxo7ueRRiAvrpgvJMpjXwW"
	c, err := DecodeEnvelope(encode(t, m), ChainProvenance("ETH"))
	require.NoError(t, err)
	assert.Equal(t, ItemTypeIPFS, c.ItemType)
	assert.Equal(t, "ETH", c.Provenance.ChainID())

	m["item_hash"] = "4bbcfe7c4775492c2e602d322d68f558891468927b5e0d6cb89ff880134f323e"
	c, err = DecodeEnvelope(encode(t, m), ProvenanceGossip)
	require.NoError(t, err)
	assert.Equal(t, ItemTypeStorage, c.ItemType)

	m["item_hash"] = "garbage"
	_, err = DecodeEnvelope(encode(t, m), ProvenanceGossip)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelopeRoundTripKeepsDedupKey(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := CandidateMessage{
			Sender:      rapid.StringMatching(`[a-zA-Z0-9]{1,40}`).Draw(t, "sender"),
			Type:        rapid.SampledFrom([]string{"POST", "AGGREGATE", "STORE"}).Draw(t, "type"),
			Channel:     rapid.String().Draw(t, "channel"),
			Chain:       "ETH",
			ItemType:    ItemTypeInline,
			ItemHash:    rapid.StringMatching(`[0-9a-f]{64}`).Draw(t, "hash"),
			ItemContent: []byte(rapid.String().Draw(t, "content")),
		}
		data, err := EncodeEnvelope(c)
		require.NoError(t, err)

		got, err := DecodeEnvelope(data, ProvenanceGossip)
		require.NoError(t, err)
		assert.Equal(t, c.DedupKey(), got.DedupKey())
		assert.Equal(t, c.DedupKey().CacheKey(), got.DedupKey().CacheKey())
		assert.Equal(t, string(c.ItemContent), string(got.ItemContent))
	})
}

func TestCacheKeyIsUnambiguous(t *testing.T) {
	a := DedupKey{ItemHash: "ab", Sender: "c", Type: "POST", Channel: "x"}
	b := DedupKey{ItemHash: "a", Sender: "bc", Type: "POST", Channel: "x"}
	assert.NotEqual(t, a.CacheKey(), b.CacheKey())
	assert.Equal(t, a.CacheKey(), a.CacheKey())
	assert.Len(t, a.CacheKey(), len("dedup:")+64)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "accepted", Accepted(&AcceptedMessage{}).String())
	assert.Equal(t, "rejected(duplicate)", Rejected(ReasonDuplicate, nil).String())

	deferred := Deferred(ReasonFetchFailed, nil)
	assert.Equal(t, "deferred(fetch-failed)", deferred.String())
	assert.False(t, deferred.IsTerminal())
	assert.True(t, Rejected(ReasonMalformed, nil).IsTerminal())
}
