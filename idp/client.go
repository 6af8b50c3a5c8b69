// Package idp wraps the external OAuth2 identity provider's authorize, token
// and JWKS endpoints. The provider itself is a black box; this package owns
// endpoint construction, grant execution and the classification of upstream
// failures into typed errors the broker can act on.
package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/streamvane/authbroker/pkce"
)

const defaultRequestTimeout = 10 * time.Second

// Sentinel errors used to classify upstream failures. Callers translate these
// into the broker's error taxonomy.
var (
	// ErrInvalidGrant indicates the provider rejected a code or refresh token
	// as consumed, expired, or past its rotation limit. Not retryable.
	ErrInvalidGrant = errors.New("idp: invalid grant")

	// ErrExchangeFailed indicates the provider rejected a grant for any other
	// reason. Upstream status and body are attached for logs only.
	ErrExchangeFailed = errors.New("idp: token exchange failed")

	// ErrTimeout indicates the provider did not answer within the bounded
	// request timeout. Infrastructure failure, distinct from auth failure.
	ErrTimeout = errors.New("idp: request timed out")

	// ErrUnavailable indicates a transport-level failure reaching the provider.
	ErrUnavailable = errors.New("idp: provider unavailable")
)

// TokenBundle is the result of a successful code or refresh exchange.
// It is never persisted as a unit; the broker redistributes its fields.
type TokenBundle struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int64
	Expiry       time.Time
}

// Config holds identity provider settings.
type Config struct {
	// Domain is the provider's domain (e.g. "tenant.eu.auth0.com") or a full
	// base URL. Endpoints are derived as <base>/authorize, <base>/oauth/token
	// and <base>/.well-known/jwks.json.
	Domain string

	// ClientID and ClientSecret identify this broker to the provider.
	ClientID     string
	ClientSecret string

	// CallbackURL is the redirect_uri registered with the provider.
	CallbackURL string

	// Audience is the API audience requested for access tokens.
	Audience string

	// Scopes requested during authorization. "offline_access" must be present
	// for the provider to issue refresh tokens.
	Scopes []string

	// Timeout bounds every outbound request. Defaults to 10 seconds.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client used for token and JWKS requests.
	HTTPClient *http.Client
}

// Client talks to the identity provider.
type Client struct {
	oauth      *oauth2.Config
	baseURL    string
	audience   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an identity provider client.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("idp: config is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("idp: domain is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("idp: client ID is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.Domain
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  baseURL + "/authorize",
				TokenURL: baseURL + "/oauth/token",
			},
		},
		baseURL:    baseURL,
		audience:   cfg.Audience,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// AuthCodeURL builds the authorize redirect for a PKCE flow.
func (c *Client) AuthCodeURL(state, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	}
	if c.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", c.audience))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// JWKSURL returns the provider's JSON Web Key Set endpoint.
func (c *Client) JWKSURL() string {
	return c.baseURL + "/.well-known/jwks.json"
}

// Issuer returns the provider's issuer identifier as it appears in tokens.
func (c *Client) Issuer() string {
	return c.baseURL + "/"
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
// The exchange is not idempotent and is never retried here.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenBundle, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tok, err := c.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, c.classify(ctx, "code exchange", err)
	}
	return c.bundle(tok), nil
}

// Refresh redeems a refresh token. Under rotation the returned bundle carries
// a new refresh token that must replace the old one everywhere it is stored.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenBundle, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.classify(ctx, "refresh", err)
	}

	bundle := c.bundle(tok)
	// The oauth2 package echoes the input refresh token when the provider did
	// not rotate. Surface rotation to callers by blanking the unchanged value.
	if bundle.RefreshToken == refreshToken {
		bundle.RefreshToken = ""
	}
	return bundle, nil
}

// requestContext derives a context bounded by the configured timeout and
// carrying the client's HTTP client for the oauth2 package.
func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps a grant failure onto the package's sentinel errors. Upstream
// detail is logged here and never propagated to callers verbatim.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		c.logger.Warn("identity provider rejected grant",
			"op", op,
			"status", status,
			"error_code", retrieveErr.ErrorCode,
			"error_description", retrieveErr.ErrorDescription)

		if retrieveErr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: upstream status %d", ErrExchangeFailed, status)
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || ctx.Err() == context.DeadlineExceeded {
		c.logger.Warn("identity provider request timed out", "op", op, "timeout", c.timeout)
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}

	c.logger.Warn("identity provider unreachable", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// bundle converts an oauth2 token into a TokenBundle.
func (c *Client) bundle(tok *oauth2.Token) *TokenBundle {
	b := &TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		b.IDToken = idToken
	}
	if !tok.Expiry.IsZero() {
		b.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return b
}
