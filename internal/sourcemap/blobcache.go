package sourcemap

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/issuehunter/internal/cache"
	"github.com/kiranshivaraju/issuehunter/internal/metrics"
)

// DefaultBlobTTL is how long fetched artifact bytes stay in Redis.
const DefaultBlobTTL = 24 * time.Hour

// BlobCache wraps an ArtifactStore and keeps fetched artifact bytes in the
// shared cache, keyed by object key and ETag. Cache failures fall through to
// the wrapped store.
type BlobCache struct {
	next   ArtifactStore
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

var _ ArtifactStore = (*BlobCache)(nil)

// NewBlobCache returns a BlobCache in front of next.
func NewBlobCache(next ArtifactStore, c cache.Cache, ttl time.Duration, logger *slog.Logger) *BlobCache {
	if ttl <= 0 {
		ttl = DefaultBlobTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobCache{next: next, cache: c, ttl: ttl, logger: logger}
}

func (b *BlobCache) List(ctx context.Context, key string) ([]Artifact, error) {
	return b.next.List(ctx, key)
}

func (b *BlobCache) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	if a.ETag == "" {
		return b.next.Fetch(ctx, a)
	}

	key := cache.SourcemapBlobKey(a.Key, a.ETag)
	data, found, err := b.cache.Get(ctx, key)
	if err != nil {
		b.logger.Warn("sourcemap blob cache read failed", "artifact", a.Key, "error", err)
	}
	if found {
		metrics.SourcemapFetches.WithLabelValues("cache_hit").Inc()
		return data, nil
	}

	data, err = b.next.Fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := b.cache.Set(ctx, key, data, b.ttl); err != nil {
		b.logger.Warn("sourcemap blob cache write failed", "artifact", a.Key, "error", err)
	}
	return data, nil
}

// Invalidate drops the cached bytes of a, so the next Fetch reads the
// wrapped store again.
func (b *BlobCache) Invalidate(ctx context.Context, a Artifact) error {
	if a.ETag == "" {
		return nil
	}
	return b.cache.Delete(ctx, cache.SourcemapBlobKey(a.Key, a.ETag))
}

func (b *BlobCache) Close() error {
	return b.next.Close()
}
