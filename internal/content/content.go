// Package content implements the content-addressed blob store. Bytes are
// keyed by their SHA-256 digest and recorded once as a FileBlob row; the
// payload itself lives in a Backend such as S3.
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Backend is the object storage the store writes payloads to. Put receives
// the hex digest of data so the backend can have the object store verify it.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, sha256 string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

const (
	defaultCacheTTL = 10 * time.Minute
	keyPrefix       = "blobs"
)

// Store implements PutBlob/GetBlob over a Provider and a Backend.
type Store struct {
	provider     provider.Provider
	backend      Backend
	breaker      *gobreaker.CircuitBreaker
	cache        *cache.Cache
	prefix       string
	verifyWrites bool
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix places every object under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithCacheTTL sets how long sha256 lookups are memoized.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = cache.New(ttl, 2*ttl) }
}

// WithWriteVerification reads each new object back and re-hashes it before
// the FileBlob row is inserted. Backends that verify checksums server-side
// can turn this off.
func WithWriteVerification(on bool) Option {
	return func(s *Store) { s.verifyWrites = on }
}

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(s *Store) { s.breaker = gobreaker.NewCircuitBreaker(withSuccessRule(st)) }
}

// New creates a Store.
func New(prov provider.Provider, backend Backend, opts ...Option) *Store {
	s := &Store{
		provider:     prov,
		backend:      backend,
		cache:        cache.New(defaultCacheTTL, 2*defaultCacheTTL),
		verifyWrites: true,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = gobreaker.NewCircuitBreaker(withSuccessRule(gobreaker.Settings{
			Name:    "blob-backend",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}))
	}
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) { s.logger = l }

// withSuccessRule keeps corruption errors from tripping the breaker: they say
// nothing about backend availability.
func withSuccessRule(st gobreaker.Settings) gobreaker.Settings {
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, types.ErrCorruptWrite)
	}
	return st
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StorageKey returns the object key for a digest: <prefix>/blobs/<aa>/<digest>.
func StorageKey(prefix, digest string) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(prefix, keyPrefix, shard, digest)
}

// PutBlob stores data and returns its reference. Identical bytes always
// resolve to the same FileBlob row, including under concurrent puts.
func (s *Store) PutBlob(ctx context.Context, data []byte) (types.BlobRef, error) {
	digest := Digest(data)

	if cached, ok := s.cache.Get(digest); ok {
		metrics.Inc(ctx, metrics.BlobsDeduplicated)
		return cached.(types.FileBlob).Ref(), nil
	}

	existing, err := s.provider.GetBlobBySHA(ctx, digest)
	switch {
	case err == nil:
		s.cache.Set(digest, *existing, cache.DefaultExpiration)
		metrics.Inc(ctx, metrics.BlobsDeduplicated)
		return existing.Ref(), nil
	case !errors.Is(err, provider.ErrNotFound):
		return types.BlobRef{}, fmt.Errorf("looking up blob %s: %w", digest, err)
	}

	key := StorageKey(s.prefix, digest)
	if err := s.upload(ctx, key, data, digest); err != nil {
		return types.BlobRef{}, err
	}

	blob := types.FileBlob{
		ID:          ident.New(),
		SHA256:      digest,
		Size:        int64(len(data)),
		StorageKey:  key,
		ContentType: http.DetectContentType(data),
		CreatedAt:   time.Now().UTC(),
	}
	stored, created, err := s.provider.InsertBlobIfAbsent(ctx, blob)
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("recording blob %s: %w", digest, err)
	}
	if created {
		metrics.Inc(ctx, metrics.BlobsWritten)
	} else {
		metrics.Inc(ctx, metrics.BlobsDeduplicated)
	}
	s.cache.Set(digest, *stored, cache.DefaultExpiration)
	return stored.Ref(), nil
}

func (s *Store) upload(ctx context.Context, key string, data []byte, digest string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		if err := s.backend.Put(ctx, key, data, digest); err != nil {
			return nil, err
		}
		if !s.verifyWrites {
			return nil, nil
		}
		readBack, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if got := Digest(readBack); got != digest {
			return nil, fmt.Errorf("%w: %s stored as %s", types.ErrCorruptWrite, digest, got)
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrCorruptWrite) {
		s.logger.Error("blob write corrupted", "sha256", digest, "key", key, "error", err)
		return err
	}
	return unavailable("writing", key, err)
}

// GetBlob reads the bytes behind ref and checks them against its digest.
func (s *Store) GetBlob(ctx context.Context, ref types.BlobRef) ([]byte, error) {
	if ref.StorageKey == "" {
		return nil, fmt.Errorf("%w: blob ref without storage key", types.ErrInvalidInput)
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.backend.Get(ctx, ref.StorageKey)
	})
	if err != nil {
		return nil, unavailable("reading", ref.StorageKey, err)
	}
	data := out.([]byte)
	if ref.SHA256 != "" {
		if got := Digest(data); got != ref.SHA256 {
			return nil, fmt.Errorf("%w: %s read back as %s", types.ErrCorruptWrite, ref.SHA256, got)
		}
	}
	return bytes.Clone(data), nil
}

// GetBlobBySHA resolves a FileBlob row by digest and reads its bytes.
func (s *Store) GetBlobBySHA(ctx context.Context, digest string) ([]byte, error) {
	blob, err := s.provider.GetBlobBySHA(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("looking up blob %s: %w", digest, err)
	}
	return s.GetBlob(ctx, blob.Ref())
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", types.ErrStorageUnavailable, op, key, err)
}
