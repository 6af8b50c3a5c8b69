// Package testutil provides shared helpers for broker tests: RSA signing
// keys, JWKS documents, signed access tokens, and a fake identity provider.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamvane/authbroker/pkce"
)

// SigningKey is an RSA keypair with the key ID it is published under.
type SigningKey struct {
	Key *rsa.PrivateKey
	Kid string
}

// NewSigningKey generates a 2048-bit RSA signing key.
func NewSigningKey(t *testing.T, kid string) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return &SigningKey{Key: key, Kid: kid}
}

// JWKSDocument renders a JWKS JSON document publishing the given keys.
func JWKSDocument(t *testing.T, keys ...*SigningKey) []byte {
	t.Helper()
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for _, k := range keys {
		pub := &k.Key.PublicKey
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: k.Kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshaling JWKS: %v", err)
	}
	return out
}

// TokenOptions controls SignToken output.
type TokenOptions struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	Expiry   time.Time
	Method   jwt.SigningMethod // defaults to RS256
	Kid      string            // defaults to the signing key's kid
}

// SignToken mints a signed JWT access token with the given options.
func SignToken(t *testing.T, sk *SigningKey, opts TokenOptions) string {
	t.Helper()

	method := opts.Method
	if method == nil {
		method = jwt.SigningMethodRS256
	}
	kid := opts.Kid
	if kid == "" {
		kid = sk.Kid
	}
	expiry := opts.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}

	claims := jwt.MapClaims{
		"sub": opts.Subject,
		"iss": opts.Issuer,
		"aud": opts.Audience,
		"exp": expiry.Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	if opts.Email != "" {
		claims["email"] = opts.Email
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid

	var signingKey any = sk.Key
	if method.Alg() == "HS256" {
		signingKey = []byte("symmetric-secret")
	}
	raw, err := tok.SignedString(signingKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return raw
}

// FakeIdP is a stub identity provider: authorize, token and JWKS endpoints
// with PKCE validation and one-time-use refresh token rotation.
type FakeIdP struct {
	Server *httptest.Server
	Key    *SigningKey

	// Audience expected in minted access tokens.
	Audience string

	mu sync.Mutex
	// codes maps issued authorization codes to their expected PKCE challenge
	// and the subject/email they authenticate.
	codes map[string]fakeCode
	// refreshTokens maps live refresh tokens to the subject they belong to.
	// Rotation removes the old entry, so replays hit invalid_grant.
	refreshTokens map[string]string
	emails        map[string]string

	// TokenExchanges counts calls to the token endpoint, by grant type.
	TokenExchanges map[string]int
}

type fakeCode struct {
	challenge string
	subject   string
	email     string
}

// NewFakeIdP starts a fake identity provider. Close it with Close.
func NewFakeIdP(t *testing.T, audience string) *FakeIdP {
	t.Helper()

	f := &FakeIdP{
		Key:            NewSigningKey(t, "fake-idp-key-1"),
		Audience:       audience,
		codes:          make(map[string]fakeCode),
		refreshTokens:  make(map[string]string),
		emails:         make(map[string]string),
		TokenExchanges: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(JWKSDocument(t, f.Key))
	})
	mux.HandleFunc("/oauth/token", f.handleToken(t))

	f.Server = httptest.NewServer(mux)
	return f
}

// Close shuts the fake provider down.
func (f *FakeIdP) Close() { f.Server.Close() }

// URL returns the provider base URL.
func (f *FakeIdP) URL() string { return f.Server.URL }

// Issuer returns the issuer string minted into tokens.
func (f *FakeIdP) Issuer() string { return f.Server.URL + "/" }

// IssueCode registers an authorization code bound to a PKCE challenge for the
// given subject, as the real provider would after user consent.
func (f *FakeIdP) IssueCode(code, challenge, subject, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = fakeCode{challenge: challenge, subject: subject, email: email}
}

// SeedRefreshToken registers a live refresh token for a subject.
func (f *FakeIdP) SeedRefreshToken(token, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshTokens[token] = subject
}

// RevokeRefreshToken invalidates a refresh token, simulating rotation-limit
// exhaustion or revocation at the provider.
func (f *FakeIdP) RevokeRefreshToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refreshTokens, token)
}

func (f *FakeIdP) handleToken(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		grantType := r.Form.Get("grant_type")

		f.mu.Lock()
		f.TokenExchanges[grantType]++
		f.mu.Unlock()

		switch grantType {
		case "authorization_code":
			f.handleCodeGrant(t, w, r)
		case "refresh_token":
			f.handleRefreshGrant(t, w, r)
		default:
			writeOAuthError(w, "unsupported_grant_type", "")
		}
	}
}

func (f *FakeIdP) handleCodeGrant(t *testing.T, w http.ResponseWriter, r *http.Request) {
	code := r.Form.Get("code")
	verifier := r.Form.Get("code_verifier")

	f.mu.Lock()
	entry, ok := f.codes[code]
	if ok {
		delete(f.codes, code) // codes are one-time-use
	}
	f.mu.Unlock()

	if !ok {
		writeOAuthError(w, "invalid_grant", "unknown or consumed code")
		return
	}
	if entry.challenge != "" && entry.challenge != s256(verifier) {
		writeOAuthError(w, "invalid_grant", "PKCE verification failed")
		return
	}

	refreshToken := fmt.Sprintf("rt-%s-%d", entry.subject, time.Now().UnixNano())
	f.mu.Lock()
	f.refreshTokens[refreshToken] = entry.subject
	f.emails[entry.subject] = entry.email
	f.mu.Unlock()

	f.writeTokens(t, w, entry.subject, entry.email, refreshToken)
}

func (f *FakeIdP) handleRefreshGrant(t *testing.T, w http.ResponseWriter, r *http.Request) {
	refreshToken := r.Form.Get("refresh_token")

	f.mu.Lock()
	subject, ok := f.refreshTokens[refreshToken]
	var rotated string
	if ok {
		// Rotation: old token dies, new token lives.
		delete(f.refreshTokens, refreshToken)
		rotated = fmt.Sprintf("rt-%s-%d", subject, time.Now().UnixNano())
		f.refreshTokens[rotated] = subject
	}
	email := f.emails[subject]
	f.mu.Unlock()

	if !ok {
		writeOAuthError(w, "invalid_grant", "refresh token is invalid or rotated")
		return
	}
	f.writeTokens(t, w, subject, email, rotated)
}

func (f *FakeIdP) writeTokens(t *testing.T, w http.ResponseWriter, subject, email, refreshToken string) {
	access := SignToken(t, f.Key, TokenOptions{
		Subject:  subject,
		Email:    email,
		Issuer:   f.Issuer(),
		Audience: f.Audience,
		Expiry:   time.Now().Add(time.Hour),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func s256(verifier string) string {
	return pkce.Challenge(verifier)
}
