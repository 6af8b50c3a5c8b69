package tokens

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamvane/authbroker/internal/testutil"
	"github.com/streamvane/authbroker/jwks"
)

const (
	testAudience = "https://api.example.com"
	testIssuer   = "https://idp.example.com/"
)

func newTestVerifier(t *testing.T, sk *testutil.SigningKey) *Verifier {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.JWKSDocument(t, sk))
	}))
	t.Cleanup(srv.Close)

	resolver, err := jwks.New(&jwks.Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("jwks.New() error = %v", err)
	}
	v, err := NewVerifier(resolver, testAudience, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func TestVerify_ValidToken(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	v := newTestVerifier(t, sk)

	raw := testutil.SignToken(t, sk, testutil.TokenOptions{
		Subject:  "user|123",
		Email:    "user@example.com",
		Issuer:   testIssuer,
		Audience: testAudience,
	})

	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "user|123" {
		t.Errorf("Subject = %q, want user|123", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Errorf("Email = %q", claims.Email)
	}
}

func TestVerify_Rejections(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	v := newTestVerifier(t, sk)

	tests := []struct {
		name string
		opts testutil.TokenOptions
	}{
		{
			name: "expired",
			opts: testutil.TokenOptions{
				Subject: "u", Issuer: testIssuer, Audience: testAudience,
				Expiry: time.Now().Add(-time.Hour),
			},
		},
		{
			name: "wrong audience",
			opts: testutil.TokenOptions{
				Subject: "u", Issuer: testIssuer, Audience: "https://other-api.example.com",
			},
		},
		{
			name: "wrong issuer",
			opts: testutil.TokenOptions{
				Subject: "u", Issuer: "https://evil.example.com/", Audience: testAudience,
			},
		},
		{
			name: "unknown key id",
			opts: testutil.TokenOptions{
				Subject: "u", Issuer: testIssuer, Audience: testAudience,
				Kid: "rogue-kid",
			},
		},
		{
			name: "missing subject",
			opts: testutil.TokenOptions{
				Issuer: testIssuer, Audience: testAudience,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := testutil.SignToken(t, sk, tt.opts)
			_, err := v.Verify(context.Background(), raw)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerify_RejectsSymmetricAlgorithm(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	v := newTestVerifier(t, sk)

	raw := testutil.SignToken(t, sk, testutil.TokenOptions{
		Subject: "u", Issuer: testIssuer, Audience: testAudience,
		Method: jwt.SigningMethodHS256,
	})

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() of HS256 token error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsWrongKeySignature(t *testing.T) {
	published := testutil.NewSigningKey(t, "kid-1")
	rogue := testutil.NewSigningKey(t, "kid-1") // same kid, different key
	v := newTestVerifier(t, published)

	raw := testutil.SignToken(t, rogue, testutil.TokenOptions{
		Subject: "u", Issuer: testIssuer, Audience: testAudience,
	})

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with forged signature error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")
	v := newTestVerifier(t, sk)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := v.Verify(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) error = %v, want ErrInvalidToken", raw, err)
		}
	}
}

func TestVerify_ResolverOutageIsNotInvalidToken(t *testing.T) {
	sk := testutil.NewSigningKey(t, "kid-1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	resolver, err := jwks.New(&jwks.Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("jwks.New() error = %v", err)
	}
	v, err := NewVerifier(resolver, testAudience, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	raw := testutil.SignToken(t, sk, testutil.TokenOptions{
		Subject: "u", Issuer: testIssuer, Audience: testAudience,
	})

	_, err = v.Verify(context.Background(), raw)
	if errors.Is(err, ErrInvalidToken) {
		t.Errorf("resolver outage misclassified as invalid token: %v", err)
	}
	if !errors.Is(err, jwks.ErrUnavailable) {
		t.Errorf("error = %v, want jwks.ErrUnavailable", err)
	}
}
