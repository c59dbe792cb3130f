// Package hashscheme classifies content identifiers into the addressing
// scheme that owns them.
//
// Classification is purely textual: the prefix and length of the
// identifier decide the scheme. The content is never inspected and node
// state is never consulted, so the same string always lands in the same
// scheme.
package hashscheme

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownHashScheme is returned when an identifier matches none of the
// known schemes.
var ErrUnknownHashScheme = errors.New("unknown hash scheme")

// ErrMalformedIdentifier is the construction-time name of
// ErrUnknownHashScheme.
var ErrMalformedIdentifier = ErrUnknownHashScheme

// Scheme is a closed set of content addressing schemes.
type Scheme int

const (
	// SchemeUnknown is the zero value. Classify never returns it together
	// with a nil error.
	SchemeUnknown Scheme = iota
	// SchemeCIDv0 is a base58btc "Qm..." IPFS content identifier.
	SchemeCIDv0
	// SchemeCIDv1 is a base32 "bafy..." IPFS content identifier.
	SchemeCIDv1
	// SchemeRawHash is a hex encoded SHA-256 digest served from local
	// storage.
	SchemeRawHash
)

const (
	cidV0Prefix    = "Qm"
	cidV0MinLength = 44
	cidV0MaxLength = 46
	cidV1Prefix    = "bafy"
	cidV1Length    = 59
	rawHashLength  = 64
)

func (s Scheme) String() string {
	switch s {
	case SchemeCIDv0:
		return "cidv0"
	case SchemeCIDv1:
		return "cidv1"
	case SchemeRawHash:
		return "raw-hash"
	default:
		return "unknown"
	}
}

// IsIPFS reports whether identifiers of this scheme live on the
// distributed content-addressable network.
func (s Scheme) IsIPFS() bool {
	return s == SchemeCIDv0 || s == SchemeCIDv1
}

// Classify returns the scheme of id. Rules are applied in order and the
// first match wins.
func Classify(id string) (Scheme, error) {
	n := len(id)
	switch {
	case strings.HasPrefix(id, cidV0Prefix) && n >= cidV0MinLength && n <= cidV0MaxLength:
		return SchemeCIDv0, nil
	case strings.HasPrefix(id, cidV1Prefix) && n == cidV1Length:
		return SchemeCIDv1, nil
	case n == rawHashLength:
		return SchemeRawHash, nil
	default:
		return SchemeUnknown, fmt.Errorf("%w: length %d %q", ErrUnknownHashScheme, n, truncate(id))
	}
}

// Identifier is a content identifier whose scheme has been established.
// The zero value is not a valid identifier.
type Identifier struct {
	value  string
	scheme Scheme
}

// Parse classifies s and wraps it into an Identifier.
func Parse(s string) (Identifier, error) {
	scheme, err := Classify(s)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{value: s, scheme: scheme}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for
// constants and tests.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id Identifier) String() string { return id.value }

// Scheme returns the addressing scheme of the identifier.
func (id Identifier) Scheme() Scheme { return id.scheme }

// IsZero reports whether id was never parsed.
func (id Identifier) IsZero() bool { return id.scheme == SchemeUnknown }

// SHA256Hex returns the lower-case hex SHA-256 digest of data. This is the
// raw-hash identifier of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsHexDigest reports whether s looks like a SHA256Hex result. Local
// storage only accepts keys of this shape so a caller can never escape the
// blob directory.
func IsHexDigest(s string) bool {
	if len(s) != rawHashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
