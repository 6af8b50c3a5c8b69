// Package servicetoken provides the process-wide token cache for
// non-interactive service-to-service calls. Acquisition is single-flight:
// concurrent callers of an empty or expired cache share one upstream
// request instead of issuing duplicates.
package servicetoken

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/streamvane/authbroker/idp"
)

// DefaultExpiryMargin is subtracted from the upstream-reported expiry so a
// token is refreshed before the edge of expiry rather than at it.
const DefaultExpiryMargin = 5 * time.Minute

// longLivedTTL is the synthetic expiry for tokens that do not really expire
// (static API keys, no-auth mode).
const longLivedTTL = 365 * 24 * time.Hour

// AcquireFunc fetches a fresh token from upstream and reports its expiry.
type AcquireFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// Cache is an expiry-aware, single-flight token cache.
type Cache struct {
	acquire AcquireFunc
	margin  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Option configures the cache.
type Option func(*Cache)

// WithExpiryMargin overrides the safety margin subtracted from expiries.
func WithExpiryMargin(margin time.Duration) Option {
	return func(c *Cache) { c.margin = margin }
}

// WithClock overrides the cache's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache around an acquisition function.
func New(acquire AcquireFunc, opts ...Option) (*Cache, error) {
	if acquire == nil {
		return nil, fmt.Errorf("servicetoken: acquire function is required")
	}
	c := &Cache{
		acquire: acquire,
		margin:  DefaultExpiryMargin,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the cached token while it is valid; otherwise it performs
// exactly one upstream acquisition per process, shared by every concurrent
// caller. A caller joining an in-flight acquisition receives that
// acquisition's result or failure.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.valid() {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do("token", func() (any, error) {
		// A concurrent caller may have refreshed between our check and the
		// singleflight slot opening up.
		c.mu.Lock()
		if c.valid() {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		tok, expiresAt, err := c.acquire(ctx)
		if err != nil {
			return nil, err
		}
		c.store(tok, expiresAt)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("service token acquisition shared with concurrent caller")
	}
	return v.(string), nil
}

// HasValidToken reports whether Token would be served from cache right now.
func (c *Cache) HasValidToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid()
}

// ForceRefresh invalidates the cache and acquires a fresh token. Used when a
// downstream API rejects the cached token despite its expiry not having
// elapsed (clock skew, premature revocation).
func (c *Cache) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	return c.Token(ctx)
}

// valid reports whether the cached token may still be served.
// Caller holds the mutex.
func (c *Cache) valid() bool {
	return c.token != "" && c.now().Before(c.expiresAt)
}

// store commits an acquired token, applying the expiry margin. Time wins:
// an acquisition that raced and finished late with an earlier expiry never
// overwrites a fresher value.
func (c *Cache) store(token string, expiresAt time.Time) {
	adjusted := expiresAt.Add(-c.margin)
	if !adjusted.After(c.now()) {
		// Margin would eat the whole lifetime; keep the raw expiry so very
		// short-lived tokens remain usable at least once.
		adjusted = expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if adjusted.After(c.expiresAt) {
		c.token = token
		c.expiresAt = adjusted
	}
}

// ==================== Acquisition sources ====================

// NoneSource returns an empty token with a long TTL, for local development
// where downstream APIs require no authentication.
func NoneSource() AcquireFunc {
	return func(ctx context.Context) (string, time.Time, error) {
		return "", time.Now().Add(longLivedTTL), nil
	}
}

// StaticSource treats a configured API key as a long-lived token.
func StaticSource(apiKey string) AcquireFunc {
	return func(ctx context.Context) (string, time.Time, error) {
		if apiKey == "" {
			return "", time.Time{}, fmt.Errorf("servicetoken: static API key is empty")
		}
		return apiKey, time.Now().Add(longLivedTTL), nil
	}
}

// RefreshGrantSource acquires tokens via the OAuth refresh grant against a
// service-account session. If the provider rotates the service refresh
// token, the rotated value replaces the seed for subsequent acquisitions.
func RefreshGrantSource(client *idp.Client, refreshToken string) AcquireFunc {
	var mu sync.Mutex
	current := refreshToken

	return func(ctx context.Context) (string, time.Time, error) {
		mu.Lock()
		rt := current
		mu.Unlock()

		bundle, err := client.Refresh(ctx, rt)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("servicetoken: refreshing service token: %w", err)
		}
		if bundle.RefreshToken != "" {
			mu.Lock()
			current = bundle.RefreshToken
			mu.Unlock()
		}

		expiresAt := bundle.Expiry
		if expiresAt.IsZero() {
			expiresAt = time.Now().Add(time.Duration(bundle.ExpiresIn) * time.Second)
		}
		return bundle.AccessToken, expiresAt, nil
	}
}
