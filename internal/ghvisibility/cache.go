// Package ghvisibility caches GitHub repository visibility lookups behind a
// short TTL, the way internal/ratelimit's teacher caches per-repository rate
// limiters: lock, look up, unlock before doing any I/O.
package ghvisibility

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const ttl = time.Hour

// Fetcher is the upstream lookup the cache falls back to on a miss. In
// production this is the GitHub Minter's repository visibility call.
type Fetcher interface {
	RepositoryVisibility(ctx context.Context, repository string) (string, error)
}

type entry struct {
	visibility string
	expiresAt  time.Time
}

// Cache memoizes repository visibility for up to one hour. A failed
// upstream lookup is never cached, so the next call retries immediately.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	fetch   Fetcher
	now     func() time.Time
}

// New constructs a Cache backed by fetch for cache misses.
func New(fetch Fetcher) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		fetch:   fetch,
		now:     time.Now,
	}
}

// ErrGetVisibility wraps an upstream failure, per spec's
// GetVisibility(repo, source_error) contract.
type ErrGetVisibility struct {
	Repository string
	Err        error
}

func (e *ErrGetVisibility) Error() string {
	return fmt.Sprintf("failed to get visibility for %s: %v", e.Repository, e.Err)
}

func (e *ErrGetVisibility) Unwrap() error { return e.Err }

// Visibility returns repository's visibility, served from cache when fresh.
func (c *Cache) Visibility(ctx context.Context, repository string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[repository]; ok && !e.expiresAt.Before(c.now()) {
		c.mu.Unlock()
		return e.visibility, nil
	}
	c.mu.Unlock()

	visibility, err := c.fetch.RepositoryVisibility(ctx, repository)
	if err != nil {
		return "", &ErrGetVisibility{Repository: repository, Err: err}
	}

	c.mu.Lock()
	c.entries[repository] = entry{visibility: visibility, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	return visibility, nil
}
