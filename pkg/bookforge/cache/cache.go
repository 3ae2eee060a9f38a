// Package cache is a namespaced key-value cache with per-entry TTL, keyed by
// a deterministic fingerprint of request parameters. Entries live in a
// pluggable Store (memory, SQLite or Postgres); expiry is checked lazily on
// read.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// MaxTTL caps every content-aware TTL.
const MaxTTL = 24 * time.Hour

// contentTTLStep is how much content buys one extra base period.
const contentTTLStep = 1000

// Store is the substrate a Cache persists entries in. Values are opaque
// JSON documents; expiresAt is advisory and only used by Purger
// implementations.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
}

// ExpiredDeleter is implemented by stores that can delete a key only while
// it is still expired at now. Lazy eviction uses it so a fresh Set that
// lands between the read and the delete is kept.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)
}

// Purger is implemented by stores that can drop expired rows in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Entry is the stored form of a cached value.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Stats counts cache traffic since construction.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
}

// Cache wraps a Store with fingerprinting, TTL handling and statistics.
// It is safe for concurrent use when the Store is.
type Cache struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// Store returns the underlying substrate.
func (c *Cache) Store() Store {
	return c.store
}

// Key derives the storage key for namespace and params. Params are
// serialized to JSON with object keys sorted, so logically equal params
// always produce the same key regardless of map insertion order.
func Key(namespace string, params any) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s params: %w", namespace, err)
	}
	sum := sha256.Sum256(canonical)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON round-trips v through a generic value so every nested
// object is re-emitted with sorted keys.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Set stores data under (namespace, params) for ttl.
func (c *Cache) Set(ctx context.Context, namespace string, params, data any, ttl time.Duration) error {
	key, err := Key(namespace, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	now := c.now()
	entry, err := json.Marshal(Entry{Data: payload, Timestamp: now, TTL: ttl})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.store.Set(ctx, key, entry, now.Add(ttl)); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	c.sets.Add(1)
	return nil
}

// Get loads the value stored under (namespace, params) into dst. It reports
// false on a miss, which includes expired entries; those are deleted as
// part of the read.
func (c *Cache) Get(ctx context.Context, namespace string, params, dst any) (bool, error) {
	key, err := Key(namespace, params)
	if err != nil {
		return false, err
	}

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok {
		c.misses.Add(1)
		return false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		c.evict(ctx, key)
		c.misses.Add(1)
		return false, nil
	}

	if now := c.now(); entry.Expired(now) {
		c.evictExpired(ctx, key, now)
		c.misses.Add(1)
		return false, nil
	}

	if err := json.Unmarshal(entry.Data, dst); err != nil {
		return false, fmt.Errorf("decoding cached value for %s: %w", key, err)
	}
	c.hits.Add(1)
	return true, nil
}

// Delete removes the entry for (namespace, params).
func (c *Cache) Delete(ctx context.Context, namespace string, params any) error {
	key, err := Key(namespace, params)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, key)
}

func (c *Cache) evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("failed to evict cache entry", "key", key, "error", err)
		return
	}
	c.evictions.Add(1)
}

// evictExpired removes key if it is still expired. Stores without
// ExpiredDeleter fall back to an unconditional delete.
func (c *Cache) evictExpired(ctx context.Context, key string, now time.Time) {
	d, ok := c.store.(ExpiredDeleter)
	if !ok {
		c.evict(ctx, key)
		return
	}
	deleted, err := d.DeleteExpired(ctx, key, now)
	if err != nil {
		c.logger.Warn("failed to evict cache entry", "key", key, "error", err)
		return
	}
	if deleted {
		c.evictions.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
	}
}

// GetOrSet returns the cached value for (namespace, params), or runs compute,
// stores its result and returns it. compute runs at most once per call.
// Store failures are logged and never stop compute's result from being
// returned; a compute error is returned as is and nothing is stored.
func GetOrSet[T any](ctx context.Context, c *Cache, namespace string, params any, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	ok, err := c.Get(ctx, namespace, params, &cached)
	if err != nil {
		c.logger.Warn("cache lookup failed, computing", "namespace", namespace, "error", err)
	} else if ok {
		return cached, nil
	}

	value, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := c.Set(ctx, namespace, params, value, ttl); err != nil {
		c.logger.Warn("cache store failed", "namespace", namespace, "error", err)
	}
	return value, nil
}

// ContentTTL scales base with the length of content: one extra base period
// per thousand bytes, never below base and never above MaxTTL.
func ContentTTL(base time.Duration, content string) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= MaxTTL {
		return MaxTTL
	}
	periods := 1 + len(content)/contentTTLStep
	ttl := base * time.Duration(periods)
	if ttl > MaxTTL || ttl < base {
		return MaxTTL
	}
	return ttl
}
