// Package offers maps short opaque tokens to previously computed offers so
// that a button press can refer back to them. The cache is process-local:
// a restart invalidates every outstanding token.
package offers

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wapuda/tg-fetcher/internal/selector"
)

const (
	DefaultTTL     = 48 * time.Hour
	DefaultSoftMax = 500
)

// Payload is what a token resolves to.
type Payload struct {
	URL   string
	Offer selector.Offer
	// AudioOnly carries the /audio intent through a retry.
	AudioOnly bool
}

func (p Payload) IsRetry() bool { return p.Offer.IsRetry() }

type entry struct {
	payload   Payload
	createdAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	softMax int
	now     func() time.Time
}

// Option configures Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, softMax int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if softMax <= 0 {
		softMax = DefaultSoftMax
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		softMax: softMax,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores p and returns a fresh token. Once the cache grows past its
// soft limit, expired entries are swept first.
func (c *Cache) Put(p Payload) string {
	now := c.now()
	token := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.softMax {
		c.sweepLocked(now, c.ttl)
	}
	c.entries[token] = entry{payload: p, createdAt: now}
	return token
}

// Get resolves token without removing it. Entries older than the TTL are
// reported missing even before a sweep drops them.
func (c *Cache) Get(token string) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok || c.now().Sub(e.createdAt) > c.ttl {
		return Payload{}, false
	}
	return e.payload, true
}

// Sweep removes entries older than maxAge and returns how many were dropped.
func (c *Cache) Sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now(), maxAge)
}

func (c *Cache) sweepLocked(now time.Time, maxAge time.Duration) int {
	n := 0
	for token, e := range c.entries {
		if now.Sub(e.createdAt) > maxAge {
			delete(c.entries, token)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
