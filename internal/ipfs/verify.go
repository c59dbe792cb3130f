package ipfs

import (
	"bytes"
	"errors"
	"fmt"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/merkledag"
	mdtest "github.com/ipfs/boxo/ipld/merkledag/test"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	"github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ChunkSize is kubo's default fixed-size chunker setting.
const ChunkSize = 256 * 1024

var (
	// ErrMismatch is returned when the content does not hash to the CID.
	ErrMismatch = errors.New("ipfs: content does not match cid")
	// ErrUnverifiable is returned for CIDs whose codec cannot be rebuilt
	// from the flat file bytes.
	ErrUnverifiable = errors.New("ipfs: cid cannot be verified locally")
)

// Verify checks that data is the file content named by id. Raw-codec CIDs
// are checked by multihash. dag-pb CIDs are checked by rebuilding the UnixFS
// DAG the way `ipfs add` does with default settings.
func Verify(id string, data []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return fmt.Errorf("decode cid %q: %w", id, err)
	}
	prefix := c.Prefix()

	switch prefix.Codec {
	case cid.Raw:
		sum, err := prefix.Sum(data)
		if err != nil {
			return fmt.Errorf("hash content: %w", err)
		}
		if !sum.Equals(c) {
			return fmt.Errorf("%w: %s", ErrMismatch, id)
		}
		return nil

	case cid.DagProtobuf:
		layouts := []bool{false}
		if prefix.Version == 1 {
			layouts = append(layouts, true)
		}
		for _, rawLeaves := range layouts {
			got, err := ComputeCID(data, prefix, rawLeaves)
			if err != nil {
				return err
			}
			if got.Equals(c) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrMismatch, id)

	default:
		return fmt.Errorf("%w: codec %s", ErrUnverifiable, multicodecName(prefix.Codec))
	}
}

// ComputeCID builds the balanced UnixFS DAG for data in memory and returns
// its root CID.
func ComputeCID(data []byte, prefix cid.Prefix, rawLeaves bool) (cid.Cid, error) {
	params := helpers.DagBuilderParams{
		Dagserv:    mdtest.Mock(),
		Maxlinks:   helpers.DefaultLinksPerBlock,
		CidBuilder: prefix,
		RawLeaves:  rawLeaves,
	}
	db, err := params.New(chunker.NewSizeSplitter(bytes.NewReader(data), ChunkSize))
	if err != nil {
		return cid.Undef, fmt.Errorf("build dag: %w", err)
	}
	root, err := balanced.Layout(db)
	if err != nil {
		return cid.Undef, fmt.Errorf("build dag: %w", err)
	}
	return root.Cid(), nil
}

// PrefixV0 and PrefixV1 describe the CIDs produced by Client.Add.
var (
	PrefixV0 = merkledag.V0CidPrefix()
	PrefixV1 = cid.Prefix{
		Version:  1,
		Codec:    cid.DagProtobuf,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
)

var codecNames = map[uint64]string{
	cid.Raw:         "raw",
	cid.DagProtobuf: "dag-pb",
	cid.DagCBOR:     "dag-cbor",
	cid.Libp2pKey:   "libp2p-key",
}

func multicodecName(code uint64) string {
	if name, ok := codecNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", code)
}
