// Package jwks resolves the identity provider's public signing keys from its
// JSON Web Key Set endpoint. Keys are cached by key ID with a TTL; the fetch
// is an idempotent read, so transient failures are retried with backoff and
// a not-too-stale cache is served when the endpoint is down.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultTTL      = 15 * time.Minute
	defaultMaxStale = 24 * time.Hour
	fetchAttempts   = 3
	retryBackoff    = 200 * time.Millisecond
	maxResponseSize = 1 << 20 // 1 MB
)

var (
	// ErrUnknownKeyID indicates the key ID is not present in the provider's
	// key set even after a fresh fetch. The token was signed with a key this
	// provider does not publish.
	ErrUnknownKeyID = errors.New("jwks: unknown key id")

	// ErrTimeout indicates the JWKS endpoint did not answer in time and no
	// usable cached key set exists.
	ErrTimeout = errors.New("jwks: fetch timed out")

	// ErrUnavailable indicates the JWKS endpoint could not be reached or
	// returned an unusable response, and no usable cached key set exists.
	ErrUnavailable = errors.New("jwks: endpoint unavailable")
)

// Config holds resolver settings.
type Config struct {
	// URL is the JWKS endpoint.
	URL string

	// TTL is how long a fetched key set is considered fresh. Default 15m.
	TTL time.Duration

	// MaxStale is how long past its TTL a cached key set may still be served
	// when the endpoint is unreachable. Default 24h.
	MaxStale time.Duration

	// HTTPClient overrides the HTTP client. It should carry a timeout.
	HTTPClient *http.Client

	// Logger for structured logging.
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Resolver fetches and caches RSA public keys by key ID. Only RSA keys are
// accepted; the broker's verification policy is asymmetric-only.
type Resolver struct {
	url      string
	ttl      time.Duration
	maxStale time.Duration
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// New creates a resolver for the given JWKS endpoint.
func New(cfg *Config) (*Resolver, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("jwks: URL is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxStale := cfg.MaxStale
	if maxStale <= 0 {
		maxStale = defaultMaxStale
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Resolver{
		url:      cfg.URL,
		ttl:      ttl,
		maxStale: maxStale,
		client:   client,
		logger:   logger,
		now:      now,
	}, nil
}

// Key returns the RSA public key for the given key ID. A fresh cached set is
// served directly; otherwise the set is refetched. An unknown kid in a fresh
// set triggers one refetch to pick up rotated keys.
func (r *Resolver) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	fresh := r.keys != nil && r.now().Sub(r.fetchedAt) < r.ttl
	key, found := r.keys[kid]
	r.mu.RUnlock()

	if fresh && found {
		return key, nil
	}
	// Stale cache, or fresh cache without this kid (possible rotation):
	// refetch either way.
	keys, err := r.refresh(ctx)
	if err != nil {
		// Idempotent read: fall back to the cached set if it has not gone
		// too stale, rather than failing verification on an IdP blip.
		r.mu.RLock()
		staleOK := r.keys != nil && r.now().Sub(r.fetchedAt) < r.ttl+r.maxStale
		key, found = r.keys[kid]
		r.mu.RUnlock()
		if staleOK && found {
			r.logger.Warn("serving stale JWKS key after fetch failure", "kid", kid, "error", err)
			return key, nil
		}
		return nil, err
	}

	key, found = keys[kid]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}
	return key, nil
}

// refresh fetches the key set with a small bounded retry and stores it.
func (r *Resolver) refresh(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}

		keys, err := r.fetch(ctx)
		if err == nil {
			r.mu.Lock()
			r.keys = keys
			r.fetchedAt = r.now()
			r.mu.Unlock()
			return keys, nil
		}
		lastErr = err
		r.logger.Warn("JWKS fetch attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (r *Resolver) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		var netErr net.Error
		if (errors.As(err, &netErr) && netErr.Timeout()) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing key set: %v", ErrUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			r.logger.Warn("skipping malformed JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey builds an *rsa.PublicKey from base64url modulus and exponent.
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
