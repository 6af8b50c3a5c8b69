package jwks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamvane/authbroker/internal/testutil"
)

func TestResolver_KeyCacheHit(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	var fetches atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(testutil.JWKSDocument(t, sk))
	}))
	defer srv.Close()

	r, err := New(&Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		key, err := r.Key(context.Background(), "kid-1")
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		if key.N.Cmp(sk.Key.PublicKey.N) != 0 {
			t.Error("resolved key does not match published key")
		}
	}

	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1 (cache hit expected)", got)
	}
}

func TestResolver_TTLRefetch(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	var fetches atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(testutil.JWKSDocument(t, sk))
	}))
	defer srv.Close()

	now := time.Now()
	clock := &now
	r, err := New(&Config{
		URL: srv.URL,
		TTL: time.Minute,
		Now: func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	advanced := now.Add(2 * time.Minute)
	clock = &advanced
	if _, err := r.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("Key() after TTL error = %v", err)
	}

	if got := fetches.Load(); got != 2 {
		t.Errorf("JWKS fetches = %d, want 2 (TTL expiry should refetch)", got)
	}
}

func TestResolver_UnknownKidRefetches(t *testing.T) {
	oldKey := testutil.NewSigningKey(t, "kid-old")
	newKey := testutil.NewSigningKey(t, "kid-new")
	var fetches atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			w.Write(testutil.JWKSDocument(t, oldKey))
			return
		}
		// Simulate key rotation at the provider.
		w.Write(testutil.JWKSDocument(t, oldKey, newKey))
	}))
	defer srv.Close()

	r, err := New(&Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Key(context.Background(), "kid-old"); err != nil {
		t.Fatalf("Key(kid-old) error = %v", err)
	}
	if _, err := r.Key(context.Background(), "kid-new"); err != nil {
		t.Fatalf("Key(kid-new) after rotation error = %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("JWKS fetches = %d, want 2", got)
	}
}

func TestResolver_UnknownKid(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.JWKSDocument(t, sk))
	}))
	defer srv.Close()

	r, err := New(&Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = r.Key(context.Background(), "no-such-kid")
	if !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("error = %v, want ErrUnknownKeyID", err)
	}
}

func TestResolver_StaleFallback(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	var failing atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(testutil.JWKSDocument(t, sk))
	}))
	defer srv.Close()

	now := time.Now()
	clock := &now
	r, err := New(&Config{
		URL:      srv.URL,
		TTL:      time.Minute,
		MaxStale: time.Hour,
		Now:      func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("initial Key() error = %v", err)
	}

	// Endpoint goes down; cache is past TTL but within the stale window.
	failing.Store(true)
	advanced := now.Add(10 * time.Minute)
	clock = &advanced

	if _, err := r.Key(context.Background(), "kid-1"); err != nil {
		t.Errorf("Key() with stale fallback error = %v, want nil", err)
	}

	// Past the stale ceiling the failure surfaces.
	tooLate := now.Add(2 * time.Hour)
	clock = &tooLate
	if _, err := r.Key(context.Background(), "kid-1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Key() past stale ceiling error = %v, want ErrUnavailable", err)
	}
}

func TestResolver_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	r, err := New(&Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = r.Key(context.Background(), "kid-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestResolver_SkipsNonRSAKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys": [
			{"kty": "EC", "kid": "ec-kid", "crv": "P-256", "x": "AA", "y": "AA"},
			{"kty": "oct", "kid": "oct-kid", "k": "c2VjcmV0"}
		]}`))
	}))
	defer srv.Close()

	r, err := New(&Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Key(context.Background(), "ec-kid"); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("EC key error = %v, want ErrUnknownKeyID (asymmetric RSA only)", err)
	}
	if _, err := r.Key(context.Background(), "oct-kid"); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("symmetric key error = %v, want ErrUnknownKeyID", err)
	}
}
