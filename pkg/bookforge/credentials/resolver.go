// Package credentials resolves provider API keys. Sources are tried in
// priority order: encrypted vault, OS keyring, environment, and optionally
// a per-user Postgres store shared with the web app.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// Resolver returns the API key for a provider. A missing key is reported as
// ("", nil); errors are reserved for failures of the underlying source.
type Resolver interface {
	Resolve(ctx context.Context, id providers.ID) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id providers.ID) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, id providers.ID) (string, error) {
	return f(ctx, id)
}

// Static serves keys from a fixed map.
type Static map[providers.ID]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, id providers.ID) (string, error) {
	return s[id], nil
}

// Chain asks each resolver in turn and returns the first non-empty key.
// A failing source does not hide later ones; its error is only returned
// when no source produced a key.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, id providers.ID) (string, error) {
	var errs []error
	for _, r := range c {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		key, err := r.Resolve(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if key != "" {
			return key, nil
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("resolving %s key: %w", id, errors.Join(errs...))
	}
	return "", nil
}

// keyName is the env variable, keyring entry and vault entry name for id.
func keyName(id providers.ID) (string, bool) {
	info, ok := providers.Lookup(id)
	return info.KeyEnv, ok
}

// Available reports which catalogued providers currently have a key.
func Available(ctx context.Context, r Resolver) (map[providers.ID]bool, error) {
	out := make(map[providers.ID]bool, len(providers.Order))
	for _, id := range providers.Order {
		key, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = key != ""
	}
	return out, nil
}

type cachedKey struct {
	value     string
	expiresAt time.Time
}

// CachedResolver memoizes another resolver's answers, including "no key",
// for a fixed TTL. Errors are never cached.
type CachedResolver struct {
	inner  Resolver
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[providers.ID]cachedKey
}

// NewCachedResolver wraps inner. A non-positive ttl disables caching.
func NewCachedResolver(inner Resolver, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "credentials"),
		entries: make(map[providers.ID]cachedKey),
	}
}

// Resolve implements Resolver.
func (c *CachedResolver) Resolve(ctx context.Context, id providers.ID) (string, error) {
	if c.ttl <= 0 {
		return c.inner.Resolve(ctx, id)
	}

	now := c.now()
	c.mu.Lock()
	entry, ok := c.entries[id]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.value, nil
	}

	key, err := c.inner.Resolve(ctx, id)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[id] = cachedKey{value: key, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	c.logger.Debug("credential cached", "provider", id, "present", key != "")
	return key, nil
}

// Invalidate drops the cached answer for id, or for every provider when id
// is empty.
func (c *CachedResolver) Invalidate(id providers.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		c.entries = make(map[providers.ID]cachedKey)
		return
	}
	delete(c.entries, id)
}
