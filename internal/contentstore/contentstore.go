// Package contentstore resolves content identifiers against the local blob
// store, peer nodes and IPFS behind one Fetch/Put contract.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/i5heu/ouroboros-ingest/internal/blobstore"
	"github.com/i5heu/ouroboros-ingest/internal/ipfs"
	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/internal/workerpool"
	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

var (
	// ErrContentUnavailable is retryable: no backend could deliver the
	// content right now.
	ErrContentUnavailable = errors.New("content unavailable")
	// ErrContentIntegrity means a backend returned bytes that do not match
	// the identifier.
	ErrContentIntegrity = errors.New("content integrity violation")
	// ErrContentTooLarge means the content exceeds the configured limit.
	ErrContentTooLarge = errors.New("content too large")
)

// Backend names reported in ResolvedContent.
const (
	BackendLocal = "local"
	BackendPeer  = "peer"
	BackendIPFS  = "ipfs"
)

const (
	logKeyID      = "id"
	logKeyBackend = "backend"
	logKeyAttempt = "attempt"
	logKeyError   = "error"
)

// ResolvedContent is fetched content with the identifier it was verified
// against.
type ResolvedContent struct {
	ID      hashscheme.Identifier
	Data    []byte
	Backend string
}

// LocalBackend is the digest-addressed filesystem store.
type LocalBackend interface {
	Get(digest string) ([]byte, error)
	Put(ctx context.Context, data []byte) (string, error)
}

// IPFSBackend is the distributed content-addressable store.
type IPFSBackend interface {
	Cat(ctx context.Context, cid string) ([]byte, error)
	Add(ctx context.Context, data []byte, cidVersion int) (string, error)
}

type Config struct {
	Local LocalBackend
	// IPFS may be nil, in which case CIDs are always unavailable.
	IPFS IPFSBackend
	Pool *workerpool.WorkerPool

	// Attempts bounds IPFS fetch attempts. Defaults to 3.
	Attempts       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// VerifyIPFS rebuilds CIDs from fetched bytes before accepting them.
	VerifyIPFS bool
	// MaxSize bounds fetched content. Zero disables the check.
	MaxSize int64

	// Peers are base URLs of other nodes serving raw storage.
	Peers       []string
	PeerTimeout time.Duration
	HTTPClient  *http.Client

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Store struct {
	config Config
	log    *slog.Logger
	group  singleflight.Group

	// ctx outlives individual callers so a shared fetch is not cut short
	// when the first waiter gives up. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(config Config) (*Store, error) {
	if config.Local == nil {
		return nil, errors.New("contentstore: local backend is required")
	}
	if config.Pool == nil {
		return nil, errors.New("contentstore: worker pool is required")
	}
	if config.Attempts < 1 {
		config.Attempts = 3
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = time.Second
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = 30 * time.Second
	}
	if config.PeerTimeout <= 0 {
		config.PeerTimeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		config: config,
		log:    logging.OrDiscard(config.Logger),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close aborts fetches still in progress.
func (s *Store) Close() {
	s.cancel()
}

// Fetch returns the content named by id. Concurrent fetches of the same id
// share one backend lookup.
func (s *Store) Fetch(ctx context.Context, id string) (ResolvedContent, error) {
	parsed, err := hashscheme.Parse(id)
	if err != nil {
		return ResolvedContent{}, err
	}

	ch := s.group.DoChan(id, func() (any, error) {
		return s.fetch(s.ctx, parsed)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return ResolvedContent{}, res.Err
		}
		return res.Val.(ResolvedContent), nil
	case <-ctx.Done():
		return ResolvedContent{}, ctx.Err()
	}
}

func (s *Store) fetch(ctx context.Context, id hashscheme.Identifier) (ResolvedContent, error) {
	switch id.Scheme() {
	case hashscheme.SchemeRawHash:
		return s.fetchRaw(ctx, id)
	case hashscheme.SchemeCIDv0, hashscheme.SchemeCIDv1:
		return s.fetchIPFS(ctx, id)
	default:
		return ResolvedContent{}, fmt.Errorf("fetch %s: %w", id, hashscheme.ErrUnknownHashScheme)
	}
}

func (s *Store) checkSize(id hashscheme.Identifier, data []byte) error {
	if s.config.MaxSize > 0 && int64(len(data)) > s.config.MaxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrContentTooLarge, id, len(data))
	}
	return nil
}

// verifyDigest re-hashes data on the worker pool.
func (s *Store) verifyDigest(ctx context.Context, id hashscheme.Identifier, data []byte) error {
	digest, err := s.config.Pool.SHA256Hex(ctx, data)
	if err != nil {
		return fmt.Errorf("hash %s: %w", id, err)
	}
	if digest != id.String() {
		return fmt.Errorf("%w: %s hashes to %s", ErrContentIntegrity, id, digest)
	}
	return nil
}

func (s *Store) fetchRaw(ctx context.Context, id hashscheme.Identifier) (ResolvedContent, error) {
	// Classification is by length only; content can only ever match a
	// lower-case hex digest.
	if !hashscheme.IsHexDigest(id.String()) {
		return ResolvedContent{}, fmt.Errorf("%w: raw hash %q is not lower-case hex", hashscheme.ErrMalformedIdentifier, id)
	}

	data, err := s.config.Local.Get(id.String())
	switch {
	case err == nil:
		if err := s.checkSize(id, data); err != nil {
			return ResolvedContent{}, err
		}
		if err := s.verifyDigest(ctx, id, data); err != nil {
			s.config.Metrics.ContentFetch(BackendLocal, "integrity")
			s.log.WarnContext(ctx, "local blob does not match its digest", logKeyID, id.String(), logKeyError, err)
			return ResolvedContent{}, err
		}
		s.config.Metrics.ContentFetch(BackendLocal, "ok")
		return ResolvedContent{ID: id, Data: data, Backend: BackendLocal}, nil
	case errors.Is(err, blobstore.ErrNotFound):
		s.config.Metrics.ContentFetch(BackendLocal, "miss")
	default:
		s.config.Metrics.ContentFetch(BackendLocal, "error")
		s.log.WarnContext(ctx, "local blob read failed", logKeyID, id.String(), logKeyError, err)
	}

	return s.fetchFromPeers(ctx, id)
}

// fetchFromPeers asks each peer in turn. Content that fails verification
// is never stored; if no peer delivers good content and one delivered bad
// content, the result is an integrity error.
func (s *Store) fetchFromPeers(ctx context.Context, id hashscheme.Identifier) (ResolvedContent, error) {
	var integrityErr, lastErr error
	for _, peer := range s.config.Peers {
		data, err := s.fetchPeer(ctx, peer, id.String())
		if err != nil {
			s.config.Metrics.ContentFetch(BackendPeer, "error")
			s.log.DebugContext(ctx, "peer fetch failed", logKeyID, id.String(), "peer", peer, logKeyError, err)
			lastErr = err
			continue
		}
		if err := s.checkSize(id, data); err != nil {
			return ResolvedContent{}, err
		}
		if err := s.verifyDigest(ctx, id, data); err != nil {
			s.config.Metrics.ContentFetch(BackendPeer, "integrity")
			s.log.WarnContext(ctx, "peer served content not matching its hash",
				logKeyID, id.String(), "peer", peer, "suspect", true)
			integrityErr = err
			continue
		}

		if _, err := s.config.Local.Put(ctx, data); err != nil {
			s.log.WarnContext(ctx, "could not cache peer content locally", logKeyID, id.String(), logKeyError, err)
		}
		s.config.Metrics.ContentFetch(BackendPeer, "ok")
		return ResolvedContent{ID: id, Data: data, Backend: BackendPeer}, nil
	}

	if integrityErr != nil {
		return ResolvedContent{}, integrityErr
	}
	if lastErr != nil {
		return ResolvedContent{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, id, lastErr)
	}
	return ResolvedContent{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, id, blobstore.ErrNotFound)
}

func (s *Store) fetchPeer(ctx context.Context, peer, digest string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.PeerTimeout)
	defer cancel()

	u := strings.TrimRight(peer, "/") + "/api/v0/storage/raw/" + digest
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if s.config.MaxSize > 0 {
		body = io.LimitReader(resp.Body, s.config.MaxSize+1)
	}
	return io.ReadAll(body)
}

// fetchIPFS retries with exponential backoff, starting at BackoffInitial
// and doubling up to BackoffMax.
func (s *Store) fetchIPFS(ctx context.Context, id hashscheme.Identifier) (ResolvedContent, error) {
	if s.config.IPFS == nil {
		return ResolvedContent{}, fmt.Errorf("%w: %s: ipfs backend disabled", ErrContentUnavailable, id)
	}

	backoff := s.config.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= s.config.Attempts; attempt++ {
		data, err := s.config.IPFS.Cat(ctx, id.String())
		if err == nil {
			if err := s.checkSize(id, data); err != nil {
				return ResolvedContent{}, err
			}
			if err := s.verifyCID(ctx, id, data); err != nil {
				s.config.Metrics.ContentFetch(BackendIPFS, "integrity")
				return ResolvedContent{}, err
			}
			s.config.Metrics.ContentFetch(BackendIPFS, "ok")
			return ResolvedContent{ID: id, Data: data, Backend: BackendIPFS}, nil
		}
		if errors.Is(err, ipfs.ErrTooLarge) {
			return ResolvedContent{}, fmt.Errorf("%w: %v", ErrContentTooLarge, err)
		}

		lastErr = err
		s.config.Metrics.ContentFetch(BackendIPFS, "error")
		s.log.DebugContext(ctx, "ipfs fetch failed",
			logKeyID, id.String(), logKeyAttempt, attempt, logKeyError, err)
		if attempt == s.config.Attempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ResolvedContent{}, fmt.Errorf("%w: %s: %v", ErrContentUnavailable, id, ctx.Err())
		}
		backoff *= 2
		if backoff > s.config.BackoffMax {
			backoff = s.config.BackoffMax
		}
	}
	return ResolvedContent{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrContentUnavailable, id, s.config.Attempts, lastErr)
}

func (s *Store) verifyCID(ctx context.Context, id hashscheme.Identifier, data []byte) error {
	if !s.config.VerifyIPFS {
		return nil
	}
	err, runErr := workerpool.Run(ctx, s.config.Pool, func() error {
		return ipfs.Verify(id.String(), data)
	})
	if runErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrContentUnavailable, id, runErr)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ipfs.ErrMismatch):
		s.log.WarnContext(ctx, "ipfs content does not match its cid", logKeyID, id.String(), "suspect", true)
		return fmt.Errorf("%w: %v", ErrContentIntegrity, err)
	default:
		s.log.DebugContext(ctx, "cid not verified", logKeyID, id.String(), logKeyError, err)
		return nil
	}
}

// Put stores data under an identifier of the given scheme and returns it.
// The identifier is always derived from the bytes.
func (s *Store) Put(ctx context.Context, scheme hashscheme.Scheme, data []byte) (string, error) {
	switch scheme {
	case hashscheme.SchemeRawHash:
		digest, err := s.config.Local.Put(ctx, data)
		if err != nil {
			return "", fmt.Errorf("put local: %w", err)
		}
		return digest, nil
	case hashscheme.SchemeCIDv0, hashscheme.SchemeCIDv1:
		if s.config.IPFS == nil {
			return "", fmt.Errorf("put: %w: ipfs backend disabled", ErrContentUnavailable)
		}
		version := 0
		if scheme == hashscheme.SchemeCIDv1 {
			version = 1
		}
		id, err := s.config.IPFS.Add(ctx, data, version)
		if err != nil {
			return "", fmt.Errorf("put ipfs: %w", err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("put: %w", hashscheme.ErrUnknownHashScheme)
	}
}

// PutLocal stores data in the local blob store and returns its digest.
func (s *Store) PutLocal(ctx context.Context, data []byte) (string, error) {
	return s.Put(ctx, hashscheme.SchemeRawHash, data)
}
