// Package sourcemap loads the sourcemaps published for a deployed function and
// maps compiled stack positions back to original source.
package sourcemap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/issuehunter/internal/metrics"
)

// ErrDestroyed is returned by Get once the cache has been destroyed.
var ErrDestroyed = errors.New("sourcemap cache destroyed")

const defaultFetchTimeout = 10 * time.Second

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for artifact failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithFetchTimeout bounds each artifact fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// Cache is the per-batch view of the artifacts published for one artifact key.
// The artifact list is read once; each artifact is fetched and parsed at most
// once. A Cache is safe for concurrent use and must be destroyed when the batch
// is done.
type Cache struct {
	key          string
	store        ArtifactStore
	logger       *slog.Logger
	fetchTimeout time.Duration

	mu        sync.Mutex
	bundle    *Bundle
	listErr   error
	destroyed bool
}

// NewCache returns a Cache for key backed by store. Nothing is fetched until
// the first Get.
func NewCache(key string, store ArtifactStore, opts ...Option) *Cache {
	c := &Cache{
		key:          key,
		store:        store,
		logger:       slog.Default(),
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the artifact key the cache serves.
func (c *Cache) Key() string { return c.key }

// Get returns the bundle of available artifacts, listing them on first use.
// A failed listing is remembered and returned on every later call.
func (c *Cache) Get(ctx context.Context) (*Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}
	if c.bundle != nil {
		return c.bundle, nil
	}
	if c.listErr != nil {
		return nil, c.listErr
	}

	artifacts, err := c.store.List(ctx, c.key)
	if err != nil {
		c.listErr = fmt.Errorf("listing sourcemaps for %s: %w", c.key, err)
		c.logger.Warn("sourcemaps unavailable", "key", c.key, "error", err)
		return nil, c.listErr
	}
	c.bundle = &Bundle{cache: c, artifacts: artifacts, entries: make(map[string]*entry)}
	return c.bundle, nil
}

// Meta returns the names of the available artifacts.
func (c *Cache) Meta(ctx context.Context) []string {
	b, err := c.Get(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, len(b.artifacts))
	for i, a := range b.artifacts {
		names[i] = a.Name
	}
	return names
}

// Destroy releases parsed maps and closes the store. Later calls are no-ops.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.bundle != nil {
		c.bundle.release()
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing sourcemap store", "key", c.key, "error", err)
	}
}

// invalidator is implemented by stores that keep their own copy of fetched
// bytes.
type invalidator interface {
	Invalidate(ctx context.Context, a Artifact) error
}

func (c *Cache) load(ctx context.Context, a Artifact) *Map {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	data, err := c.store.Fetch(ctx, a)
	if err != nil {
		metrics.SourcemapFetches.WithLabelValues("error").Inc()
		c.logger.Warn("sourcemap fetch failed", "key", c.key, "artifact", a.Key, "error", err)
		return nil
	}
	m, err := Parse(a, data)
	if err != nil {
		metrics.SourcemapFetches.WithLabelValues("invalid").Inc()
		c.logger.Warn("sourcemap parse failed", "key", c.key, "artifact", a.Key, "error", err)
		if inv, ok := c.store.(invalidator); ok {
			if err := inv.Invalidate(ctx, a); err != nil {
				c.logger.Warn("sourcemap invalidate failed", "artifact", a.Key, "error", err)
			}
		}
		return nil
	}
	metrics.SourcemapFetches.WithLabelValues("ok").Inc()
	return m
}

// Bundle is the set of artifacts available to one batch.
type Bundle struct {
	cache     *Cache
	artifacts []Artifact

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once sync.Once
	m    *Map
}

// Len returns the number of available artifacts.
func (b *Bundle) Len() int { return len(b.artifacts) }

// Lookup returns the parsed map for compiledFile at event time at, or nil when
// no artifact applies or the chosen one is unavailable.
func (b *Bundle) Lookup(ctx context.Context, compiledFile string, at time.Time) *Map {
	a, ok := pick(b.artifacts, compiledFile, at)
	if !ok {
		return nil
	}

	b.mu.Lock()
	if b.entries == nil {
		b.mu.Unlock()
		return nil
	}
	e, ok := b.entries[a.Key]
	if !ok {
		e = &entry{}
		b.entries[a.Key] = e
	}
	b.mu.Unlock()

	e.once.Do(func() { e.m = b.cache.load(ctx, a) })
	return e.m
}

func (b *Bundle) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
