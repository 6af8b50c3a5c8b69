// Package broker implements a backend authentication broker for the OAuth2
// Authorization Code flow with PKCE. Browsers never see provider tokens
// in URLs; the callback hands out a one-time state token that the frontend
// exchanges over POST for the access token, while the refresh token lives in
// an HttpOnly cookie and a server-side session record.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/streamvane/authbroker/idp"
	"github.com/streamvane/authbroker/instrumentation"
	"github.com/streamvane/authbroker/jwks"
	"github.com/streamvane/authbroker/pkce"
	"github.com/streamvane/authbroker/security"
	"github.com/streamvane/authbroker/servicetoken"
	"github.com/streamvane/authbroker/storage"
	"github.com/streamvane/authbroker/tokens"
)

const (
	stateLength          = 32
	flowIDLength         = 32
	stateTokenLength     = 32
	fallbackSecretLength = 32
	codeVerifierLength   = 64
)

// Stores bundles the storage backends the broker operates on. A deployment
// mixes implementations: memory for everything in development, Redis for the
// single-use stores and Postgres for sessions and users in production.
type Stores struct {
	Sessions storage.SessionStore
	States   storage.StateTokenStore
	Flows    storage.FlowStore
	Users    storage.UserStore
}

// Broker orchestrates login, callback, token exchange, refresh and logout.
type Broker struct {
	config   *Config
	idp      *idp.Client
	verifier *tokens.Verifier
	stores   Stores
	cache    *servicetoken.Cache
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	now      func() time.Time
}

// Option configures the broker.
type Option func(*Broker)

// WithInstrumentation attaches metrics recording.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(b *Broker) { b.metrics = inst.Metrics() }
}

// WithClock overrides the broker's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a broker. The config is validated and defaulted in place.
func New(cfg *Config, stores Stores, opts ...Option) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Sessions == nil || stores.States == nil || stores.Flows == nil || stores.Users == nil {
		return nil, fmt.Errorf("broker: all four stores are required")
	}

	idpCfg := cfg.IdP
	if idpCfg.HTTPClient == nil {
		idpCfg.HTTPClient = cfg.HTTPClient
	}
	idpClient, err := idp.New(&idpCfg, cfg.Logger)
	if err != nil {
		return nil, err
	}

	resolver, err := jwks.New(&jwks.Config{
		URL:        idpClient.JWKSURL(),
		HTTPClient: idpCfg.HTTPClient,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := tokens.NewVerifier(resolver, idpCfg.Audience, idpClient.Issuer())
	if err != nil {
		return nil, err
	}

	var acquire servicetoken.AcquireFunc
	switch cfg.ServiceAuth.Mode {
	case ServiceAuthStatic:
		acquire = servicetoken.StaticSource(cfg.ServiceAuth.APIKey)
	case ServiceAuthRefreshGrant:
		acquire = servicetoken.RefreshGrantSource(idpClient, cfg.ServiceAuth.RefreshToken)
	default:
		acquire = servicetoken.NoneSource()
	}
	cache, err := servicetoken.New(acquire, servicetoken.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}

	b := &Broker{
		config:   cfg,
		idp:      idpClient,
		verifier: verifier,
		stores:   stores,
		cache:    cache,
		auditor:  security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// LoginRedirect is the result of starting a login flow.
type LoginRedirect struct {
	// URL is the provider's authorize endpoint with PKCE and state bound in.
	URL string
	// FlowID keys the server-side PKCE context; goes into the flow cookie.
	FlowID string
}

// BeginLogin mints the PKCE pair and anti-CSRF state, persists them under a
// fresh flow ID and returns the authorize redirect. The verifier never
// leaves the server.
func (b *Broker) BeginLogin(ctx context.Context, clientIP string) (*LoginRedirect, error) {
	verifier, err := pkce.GenerateVerifier(codeVerifierLength)
	if err != nil {
		return nil, ErrServerError()
	}
	state := security.GenerateToken(stateLength)
	flowID := security.GenerateToken(flowIDLength)

	flow := &storage.LoginFlow{
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    b.now().UTC(),
	}
	if err := b.stores.Flows.PutLoginFlow(ctx, flowID, flow, b.config.LoginFlowTTL); err != nil {
		b.config.Logger.Error("persisting login flow", "error", err)
		return nil, ErrServerError()
	}

	b.auditor.LogLoginInitiated(clientIP)
	if b.metrics != nil {
		b.metrics.RecordLoginStarted(ctx)
	}

	return &LoginRedirect{
		URL:    b.idp.AuthCodeURL(state, pkce.Challenge(verifier)),
		FlowID: flowID,
	}, nil
}

// CallbackResult is the outcome of a successful provider callback.
type CallbackResult struct {
	// StateToken is the one-time token appended to the frontend redirect.
	StateToken string
	// RefreshToken goes into the HttpOnly refresh cookie.
	RefreshToken string
	// UserID is the local user the session was bound to.
	UserID string
}

// CompleteCallback validates the provider callback and turns it into a
// session. State is compared in constant time; on mismatch the code exchange
// is not attempted. On success the pending credentials are parked under a
// one-time state token and the refresh token is written to the session store
// alongside a bcrypt-hashed fallback binding secret.
func (b *Broker) CompleteCallback(ctx context.Context, flowID, state, code, clientIP string, device *storage.DeviceInfo) (*CallbackResult, error) {
	if flowID == "" || state == "" || code == "" {
		return nil, ErrInvalidRequest("state and code are required")
	}

	flow, err := b.stores.Flows.ConsumeLoginFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, b.stateMismatch(ctx, clientIP)
		}
		b.config.Logger.Error("loading login flow", "error", err)
		return nil, ErrServerError()
	}

	if !security.ConstantTimeEqual(state, flow.State) {
		return nil, b.stateMismatch(ctx, clientIP)
	}

	exchangeStart := time.Now()
	bundle, err := b.idp.ExchangeCode(ctx, code, flow.CodeVerifier)
	if b.metrics != nil {
		b.metrics.RecordIdPCall(ctx, "exchange", float64(time.Since(exchangeStart).Milliseconds()), err)
	}
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordCallback(ctx, false)
		}
		return nil, b.mapUpstream(err, ErrTokenExchangeFailed)
	}

	claims, err := b.verifier.Verify(ctx, bundle.AccessToken)
	if err != nil {
		b.config.Logger.Error("verifying freshly issued access token", "error", err)
		if b.metrics != nil {
			b.metrics.RecordCallback(ctx, false)
		}
		return nil, b.mapUpstream(err, ErrTokenExchangeFailed)
	}

	user, err := b.stores.Users.GetOrCreateBySubject(ctx, claims.Subject, claims.Email, claims.Name)
	if err != nil {
		b.config.Logger.Error("resolving user", "error", err)
		return nil, ErrServerError()
	}

	fallbackSecret := security.GenerateToken(fallbackSecretLength)
	secretHash, err := bcrypt.GenerateFromPassword([]byte(fallbackSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, ErrServerError()
	}

	now := b.now().UTC()
	session := &storage.SessionRecord{
		UserID:             user.ID,
		RefreshToken:       bundle.RefreshToken,
		FallbackSecretHash: secretHash,
		LastUsedAt:         now,
		ExpiresAt:          now.Add(b.config.SessionTTL),
		Device:             device,
	}
	if err := b.stores.Sessions.Upsert(ctx, session); err != nil {
		b.config.Logger.Error("persisting session", "error", err)
		return nil, ErrServerError()
	}

	stateToken := security.GenerateToken(stateTokenLength)
	pending := &storage.PendingAuth{
		AccessToken:    bundle.AccessToken,
		ExpiresIn:      bundle.ExpiresIn,
		UserID:         user.ID,
		FallbackSecret: fallbackSecret,
		CreatedAt:      now,
	}
	if err := b.stores.States.PutPendingAuth(ctx, stateToken, pending, b.config.StateTokenTTL); err != nil {
		b.config.Logger.Error("persisting pending auth", "error", err)
		return nil, ErrServerError()
	}

	b.auditor.LogLoginCompleted(user.ID, clientIP)
	if b.metrics != nil {
		b.metrics.RecordCallback(ctx, true)
	}

	return &CallbackResult{
		StateToken:   stateToken,
		RefreshToken: bundle.RefreshToken,
		UserID:       user.ID,
	}, nil
}

// ExchangeResult is what the frontend receives for a valid state token.
type ExchangeResult struct {
	AccessToken    string        `json:"accessToken"`
	ExpiresIn      int64         `json:"expiresIn"`
	User           *storage.User `json:"user"`
	FallbackSecret string        `json:"fallbackSecret"`
}

// ExchangeStateToken redeems a one-time state token for the parked
// credentials. Consumption is atomic; a replayed, expired or never-issued
// token is indistinguishable to the caller.
func (b *Broker) ExchangeStateToken(ctx context.Context, stateToken, clientIP string) (*ExchangeResult, error) {
	if stateToken == "" {
		return nil, ErrInvalidRequest("stateToken is required")
	}

	pending, err := b.stores.States.ConsumePendingAuth(ctx, stateToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.auditor.LogStateTokenReplay(clientIP)
			if b.metrics != nil {
				b.metrics.RecordStateTokenReplay(ctx)
			}
			return nil, ErrStateTokenInvalidOrExpired()
		}
		b.config.Logger.Error("consuming state token", "error", err)
		return nil, ErrServerError()
	}

	user, err := b.stores.Users.GetByID(ctx, pending.UserID)
	if err != nil {
		b.config.Logger.Error("loading user for state token", "error", err)
		return nil, ErrServerError()
	}

	if b.metrics != nil {
		b.metrics.RecordStateTokenExchange(ctx)
	}
	return &ExchangeResult{
		AccessToken:    pending.AccessToken,
		ExpiresIn:      pending.ExpiresIn,
		User:           user,
		FallbackSecret: pending.FallbackSecret,
	}, nil
}

// RefreshResult is the outcome of a successful refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64
	// RefreshToken is the rotated token when the provider rotated, empty
	// otherwise. The handler only rewrites the cookie when it is set.
	RefreshToken string
	UserID       string
}

// Refresh redeems the refresh token from the cookie. On rotation the new
// token replaces the old one in the session store before the response is
// written. An invalid_grant marks the session as requiring interactive
// re-login and is never retried.
func (b *Broker) Refresh(ctx context.Context, refreshToken, clientIP string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, ErrRefreshInvalidGrant()
	}

	session, err := b.stores.Sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRefreshInvalidGrant()
		}
		b.config.Logger.Error("loading session by refresh token", "error", err)
		return nil, ErrServerError()
	}

	return b.refreshSession(ctx, session, clientIP)
}

// RefreshFallback is the cookie-less refresh path for clients whose cookie
// was lost (some webview and ITP scenarios). Possession of the user ID alone
// is not sufficient; the caller must present the fallback secret issued at
// token exchange, which is verified against its bcrypt hash.
func (b *Broker) RefreshFallback(ctx context.Context, userID, fallbackSecret, clientIP string) (*RefreshResult, error) {
	if userID == "" || fallbackSecret == "" {
		return nil, ErrInvalidRequest("userId and fallbackSecret are required")
	}

	session, err := b.stores.Sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.auditor.LogFallbackRejected(userID, clientIP)
			return nil, ErrRefreshInvalidGrant()
		}
		b.config.Logger.Error("loading session", "error", err)
		return nil, ErrServerError()
	}

	if len(session.FallbackSecretHash) == 0 ||
		bcrypt.CompareHashAndPassword(session.FallbackSecretHash, []byte(fallbackSecret)) != nil {
		b.auditor.LogFallbackRejected(userID, clientIP)
		return nil, ErrRefreshInvalidGrant()
	}

	return b.refreshSession(ctx, session, clientIP)
}

// refreshSession is the shared refresh core for the cookie and fallback paths.
func (b *Broker) refreshSession(ctx context.Context, session *storage.SessionRecord, clientIP string) (*RefreshResult, error) {
	if session.RequiresReauth {
		b.auditor.LogReauthRequired(session.UserID, session.ReauthReason)
		return nil, ErrRefreshInvalidGrant()
	}

	refreshStart := time.Now()
	bundle, err := b.idp.Refresh(ctx, session.RefreshToken)
	if b.metrics != nil {
		b.metrics.RecordIdPCall(ctx, "refresh", float64(time.Since(refreshStart).Milliseconds()), err)
	}
	if err != nil {
		if errors.Is(err, idp.ErrInvalidGrant) {
			reason := storage.ReauthReasonInvalidGrant
			if markErr := b.stores.Sessions.MarkReauthRequired(ctx, session.UserID, reason); markErr != nil {
				b.config.Logger.Error("marking session for reauth", "error", markErr)
			}
			b.auditor.LogReauthRequired(session.UserID, reason)
			if b.metrics != nil {
				b.metrics.RecordTokenRefresh(ctx, "invalid_grant", false)
			}
			return nil, ErrRefreshInvalidGrant()
		}
		if b.metrics != nil {
			b.metrics.RecordTokenRefresh(ctx, "upstream_error", false)
		}
		return nil, b.mapUpstream(err, ErrUpstreamUnavailable)
	}

	rotated := bundle.RefreshToken != ""
	session.LastUsedAt = b.now().UTC()
	if rotated {
		session.RefreshToken = bundle.RefreshToken
	}
	if err := b.stores.Sessions.Upsert(ctx, session); err != nil {
		// The rotated token must not be handed out if it could not be
		// persisted; the next refresh would hit invalid_grant forever.
		b.config.Logger.Error("persisting rotated session", "error", err)
		return nil, ErrServerError()
	}

	b.auditor.LogTokenRefreshed(session.UserID, clientIP, rotated)
	if b.metrics != nil {
		b.metrics.RecordTokenRefresh(ctx, "ok", rotated)
	}

	return &RefreshResult{
		AccessToken:  bundle.AccessToken,
		ExpiresIn:    bundle.ExpiresIn,
		RefreshToken: bundle.RefreshToken,
		UserID:       session.UserID,
	}, nil
}

// ClearReauth removes the re-login flag after a fresh interactive login.
// The caller must have authenticated the user's bearer token first.
func (b *Broker) ClearReauth(ctx context.Context, userID string) error {
	if err := b.stores.Sessions.ClearReauth(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("no session for user")
		}
		b.config.Logger.Error("clearing reauth flag", "error", err)
		return ErrServerError()
	}
	return nil
}

// AuthStatus reports whether a browser holds a usable session.
type AuthStatus struct {
	IsAuthenticated bool          `json:"isAuthenticated"`
	User            *storage.User `json:"user,omitempty"`
}

// CheckAuth inspects the session behind a refresh cookie without contacting
// the provider. It is a cheap health probe for frontends, not a guarantee
// the next refresh will succeed.
func (b *Broker) CheckAuth(ctx context.Context, refreshToken string) (*AuthStatus, error) {
	if refreshToken == "" {
		return &AuthStatus{}, nil
	}

	session, err := b.stores.Sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &AuthStatus{}, nil
		}
		b.config.Logger.Error("checking session", "error", err)
		return nil, ErrServerError()
	}
	if session.RequiresReauth {
		return &AuthStatus{}, nil
	}

	user, err := b.stores.Users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &AuthStatus{}, nil
		}
		b.config.Logger.Error("loading user for auth check", "error", err)
		return nil, ErrServerError()
	}

	return &AuthStatus{IsAuthenticated: true, User: user}, nil
}

// LogoutByRefreshToken resolves the session behind a refresh cookie and
// deletes it. A cookie that resolves to nothing is already logged out.
func (b *Broker) LogoutByRefreshToken(ctx context.Context, refreshToken, clientIP string) error {
	if refreshToken == "" {
		return nil
	}
	session, err := b.stores.Sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		b.config.Logger.Error("loading session for logout", "error", err)
		return ErrServerError()
	}
	return b.Logout(ctx, session.UserID, clientIP)
}

// Logout deletes the server-side session. Idempotent.
func (b *Broker) Logout(ctx context.Context, userID, clientIP string) error {
	if userID == "" {
		return nil
	}
	if err := b.stores.Sessions.Delete(ctx, userID); err != nil {
		b.config.Logger.Error("deleting session", "error", err)
		return ErrServerError()
	}
	b.auditor.LogLogout(userID, clientIP)
	return nil
}

// VerifyAccessToken validates a bearer token and returns its claims.
func (b *Broker) VerifyAccessToken(ctx context.Context, raw string) (*tokens.Claims, error) {
	claims, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordVerificationFailure(ctx, verificationReason(err))
		}
		if errors.Is(err, jwks.ErrTimeout) {
			return nil, ErrUpstreamTimeout()
		}
		if errors.Is(err, jwks.ErrUnavailable) {
			return nil, ErrUpstreamUnavailable()
		}
		return nil, ErrInvalidToken()
	}
	return claims, nil
}

// ServiceToken returns the cached service-to-service token.
func (b *Broker) ServiceToken(ctx context.Context) (string, error) {
	hit := b.cache.HasValidToken()
	tok, err := b.cache.Token(ctx)
	if err == nil && b.metrics != nil {
		b.metrics.RecordServiceTokenCache(ctx, hit)
	}
	return tok, err
}

// stateMismatch records and returns the state mismatch rejection.
func (b *Broker) stateMismatch(ctx context.Context, clientIP string) error {
	b.auditor.LogStateMismatch(clientIP)
	if b.metrics != nil {
		b.metrics.RecordStateMismatch(ctx)
	}
	return ErrStateMismatch()
}

// mapUpstream translates identity provider sentinels into client-visible
// errors, with fallback for grant rejections.
func (b *Broker) mapUpstream(err error, fallback func() *AuthError) *AuthError {
	switch {
	case errors.Is(err, idp.ErrTimeout), errors.Is(err, jwks.ErrTimeout):
		return ErrUpstreamTimeout()
	case errors.Is(err, idp.ErrUnavailable), errors.Is(err, jwks.ErrUnavailable):
		return ErrUpstreamUnavailable()
	default:
		return fallback()
	}
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, jwks.ErrTimeout), errors.Is(err, jwks.ErrUnavailable):
		return "jwks_unreachable"
	default:
		return "invalid"
	}
}
