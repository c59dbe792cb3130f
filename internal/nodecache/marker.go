package nodecache

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

type markerKind uint64

const (
	markerInFlight markerKind = iota + 1
	markerCommitted
)

// marker is the badger value of dedup and lock keys, encoded as protobuf
// fields 1 kind, 2 token, 3 unix nanos.
type marker struct {
	kind  markerKind
	token string
	at    time.Time
}

const (
	fieldKind  protowire.Number = 1
	fieldToken protowire.Number = 2
	fieldAt    protowire.Number = 3
)

var errBadMarker = errors.New("malformed cache marker")

func (m marker) encode() []byte {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.kind))
	if m.token != "" {
		b = protowire.AppendTag(b, fieldToken, protowire.BytesType)
		b = protowire.AppendString(b, m.token)
	}
	b = protowire.AppendTag(b, fieldAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.at.UnixNano()))
	return b
}

func decodeMarker(b []byte) (marker, error) {
	var m marker
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return marker{}, fmt.Errorf("%w: %v", errBadMarker, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return marker{}, fmt.Errorf("%w: %v", errBadMarker, protowire.ParseError(n))
			}
			m.kind = markerKind(v)
			b = b[n:]
		case num == fieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return marker{}, fmt.Errorf("%w: %v", errBadMarker, protowire.ParseError(n))
			}
			m.token = v
			b = b[n:]
		case num == fieldAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return marker{}, fmt.Errorf("%w: %v", errBadMarker, protowire.ParseError(n))
			}
			m.at = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return marker{}, fmt.Errorf("%w: %v", errBadMarker, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.kind != markerInFlight && m.kind != markerCommitted {
		return marker{}, fmt.Errorf("%w: kind %d", errBadMarker, m.kind)
	}
	return m, nil
}

func encodeCounter(v int64) []byte {
	return protowire.AppendVarint(nil, protowire.EncodeZigZag(v))
}

func decodeCounter(b []byte) (int64, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("decode counter: %v", protowire.ParseError(n))
	}
	return protowire.DecodeZigZag(v), nil
}
