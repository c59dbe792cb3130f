// Package blobstore keeps raw-hash content on the local filesystem, one
// file per sha256 digest.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

// Compression codecs for blobs at rest.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionXZ   = "xz"
)

var suffixes = map[string]string{
	CompressionNone: "",
	CompressionZstd: ".zst",
	CompressionXZ:   ".xz",
}

// readOrder lists the on-disk forms Get looks for.
var readOrder = []string{CompressionNone, CompressionZstd, CompressionXZ}

var (
	// ErrNotFound is returned by Get for a digest that is not stored.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidDigest is returned for keys that are not lower-case hex
	// sha256 digests.
	ErrInvalidDigest = errors.New("invalid blob digest")
)

// HashFunc derives the digest of a blob.
type HashFunc func(ctx context.Context, data []byte) (string, error)

type Config struct {
	Folder string
	// Compression selects the codec for new blobs. Blobs written with any
	// codec stay readable. Empty means CompressionNone.
	Compression string
	// Hash defaults to hashscheme.SHA256Hex on the calling goroutine.
	Hash   HashFunc
	Logger *slog.Logger
}

type Store struct {
	folder      string
	compression string
	hash        HashFunc
	log         *slog.Logger
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func New(config Config) (*Store, error) {
	if config.Folder == "" {
		return nil, errors.New("blobstore: empty folder")
	}
	if err := os.MkdirAll(config.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("create blob folder: %w", err)
	}
	if config.Compression == "" {
		config.Compression = CompressionNone
	}
	if _, ok := suffixes[config.Compression]; !ok {
		return nil, fmt.Errorf("blobstore: unknown compression %q", config.Compression)
	}
	if config.Hash == nil {
		config.Hash = func(_ context.Context, data []byte) (string, error) {
			return hashscheme.SHA256Hex(data), nil
		}
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		folder:      config.Folder,
		compression: config.Compression,
		hash:        config.Hash,
		log:         logging.OrDiscard(config.Logger),
		encoder:     encoder,
		decoder:     decoder,
	}, nil
}

// path shards blobs by the first two digest characters.
func (s *Store) path(digest string) string {
	return filepath.Join(s.folder, digest[:2], digest)
}

// Get returns the blob stored under digest. The content is not re-hashed;
// callers that do not trust the filesystem verify it themselves.
func (s *Store) Get(digest string) ([]byte, error) {
	if !hashscheme.IsHexDigest(digest) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	p := s.path(digest)

	for _, codec := range readOrder {
		stored, err := os.ReadFile(p + suffixes[codec])
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read blob %s: %w", digest, err)
		}
		data, err := s.decode(codec, stored)
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", digest, err)
		}
		return data, nil
	}
	return nil, ErrNotFound
}

func (s *Store) decode(codec string, stored []byte) ([]byte, error) {
	switch codec {
	case CompressionZstd:
		return s.decoder.DecodeAll(stored, nil)
	case CompressionXZ:
		r, err := xz.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	default:
		return stored, nil
	}
}

func (s *Store) encode(data []byte) ([]byte, error) {
	switch s.compression {
	case CompressionZstd:
		return s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// Has reports whether digest is stored in any form.
func (s *Store) Has(digest string) bool {
	if !hashscheme.IsHexDigest(digest) {
		return false
	}
	p := s.path(digest)
	for _, codec := range readOrder {
		if _, err := os.Stat(p + suffixes[codec]); err == nil {
			return true
		}
	}
	return false
}

// Put stores data under its own digest and returns the digest. Writing an
// existing blob is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := s.hash(ctx, data)
	if err != nil {
		return "", fmt.Errorf("hash blob: %w", err)
	}
	if s.Has(digest) {
		return digest, nil
	}

	payload, err := s.encode(data)
	if err != nil {
		return "", fmt.Errorf("compress blob %s: %w", digest, err)
	}
	if err := writeAtomic(s.path(digest)+suffixes[s.compression], payload); err != nil {
		return "", fmt.Errorf("write blob %s: %w", digest, err)
	}

	s.log.Debug("stored blob", "digest", digest, "size", len(data), "stored", len(payload))
	return digest, nil
}

// writeAtomic writes to a temporary file in the target directory and
// renames it into place so readers never observe a partial blob.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close releases the zstd coders.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
