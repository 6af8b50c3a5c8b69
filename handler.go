package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamvane/authbroker/security"
	"github.com/streamvane/authbroker/storage"
	"github.com/streamvane/authbroker/tokens"
)

// cookiePath scopes both cookies to the auth endpoints so browsers do not
// attach the refresh token to unrelated requests.
const cookiePath = "/auth"

type identityContextKey struct{}

// Identity returns the verified bearer claims placed by RequireAuth.
func Identity(ctx context.Context) *tokens.Claims {
	claims, _ := ctx.Value(identityContextKey{}).(*tokens.Claims)
	return claims
}

// Handler is the HTTP surface over a Broker.
type Handler struct {
	broker  *Broker
	limiter *security.RateLimiter
}

// NewHandler creates the HTTP handler. Call Close when shutting down.
func NewHandler(b *Broker) *Handler {
	h := &Handler{broker: b}
	if b.config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(
			b.config.RateLimit.Rate, b.config.RateLimit.Burst, b.config.Logger)
	}
	return h
}

// Close stops background goroutines.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the router serving all /auth endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(security.HeadersMiddleware(h.broker.config.PublicURL))
	r.Use(h.metricsMiddleware)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.ServeLogin)
		r.Get("/callback", h.ServeCallback)
		r.Post("/token-exchange", h.ServeTokenExchange)
		r.Post("/refresh", h.ServeRefresh)
		r.Post("/refresh-fallback", h.ServeRefreshFallback)
		r.Get("/check", h.ServeCheck)
		r.Post("/logout", h.ServeLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/reauth-required", h.ServeReauthCleared)
		})
	})
	return r
}

// ServeLogin starts a login flow: PKCE context behind a flow cookie, then a
// redirect to the provider's authorize endpoint.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allow(w, r, clientIP) {
		return
	}

	redirect, err := h.broker.BeginLogin(r.Context(), clientIP)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.setCookie(w, h.broker.config.Cookies.FlowCookieName, redirect.FlowID,
		h.broker.config.LoginFlowTTL)
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// ServeCallback handles the provider redirect. Success sends the browser to
// the frontend with only a one-time state token in the URL; any failure
// redirects to the error URL with a generic reason code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		h.broker.config.Logger.Warn("provider returned callback error",
			"error", providerErr, "description", q.Get("error_description"))
		h.redirectError(w, r, ErrorCodeTokenExchangeFailed)
		return
	}

	flowID := ""
	if c, err := r.Cookie(h.broker.config.Cookies.FlowCookieName); err == nil {
		flowID = c.Value
	}

	var device *storage.DeviceInfo
	if ua := r.UserAgent(); ua != "" {
		device = &storage.DeviceInfo{UserAgent: ua, Platform: r.Header.Get("Sec-CH-UA-Platform")}
	}

	result, err := h.broker.CompleteCallback(r.Context(),
		flowID, q.Get("state"), q.Get("code"), clientIP, device)

	// The flow is single-use either way.
	h.clearCookie(w, h.broker.config.Cookies.FlowCookieName)

	if err != nil {
		var authErr *AuthError
		code := ErrorCodeServerError
		if errors.As(err, &authErr) {
			code = authErr.Code
		}
		h.redirectError(w, r, code)
		return
	}

	h.setCookie(w, h.broker.config.Cookies.RefreshCookieName, result.RefreshToken,
		h.broker.config.SessionTTL)

	sep := "?"
	if strings.Contains(h.broker.config.FrontendURL, "?") {
		sep = "&"
	}
	http.Redirect(w, r, h.broker.config.FrontendURL+sep+"state_token="+result.StateToken,
		http.StatusFound)
}

// ServeTokenExchange redeems a state token for the access token and user.
func (h *Handler) ServeTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StateToken string `json:"stateToken"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.broker.ExchangeStateToken(r.Context(), req.StateToken, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// ServeRefresh exchanges the refresh cookie for a new access token.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allow(w, r, clientIP) {
		return
	}

	refreshToken := ""
	if c, err := r.Cookie(h.broker.config.Cookies.RefreshCookieName); err == nil {
		refreshToken = c.Value
	}

	result, err := h.broker.Refresh(r.Context(), refreshToken, clientIP)
	h.writeRefreshOutcome(w, result, err)
}

// ServeRefreshFallback is the cookie-less refresh path, bound by the
// fallback secret issued at token exchange.
func (h *Handler) ServeRefreshFallback(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allow(w, r, clientIP) {
		return
	}

	var req struct {
		UserID         string `json:"userId"`
		FallbackSecret string `json:"fallbackSecret"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.broker.RefreshFallback(r.Context(), req.UserID, req.FallbackSecret, clientIP)
	h.writeRefreshOutcome(w, result, err)
}

// writeRefreshOutcome writes the shared refresh contract: a rotated token
// lands in the cookie, never in the body; invalid_grant carries the
// requiresReauth signal so frontends route to interactive login.
func (h *Handler) writeRefreshOutcome(w http.ResponseWriter, result *RefreshResult, err error) {
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Code == ErrorCodeRefreshInvalidGrant {
			h.writeJSON(w, authErr.Status, map[string]any{
				"error":          authErr.Code,
				"message":        authErr.Message,
				"requiresReauth": true,
			})
			return
		}
		h.writeError(w, err)
		return
	}

	if result.RefreshToken != "" {
		h.setCookie(w, h.broker.config.Cookies.RefreshCookieName, result.RefreshToken,
			h.broker.config.SessionTTL)
	}
	h.writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
	})
}

// ServeReauthCleared clears the reauth flag after a fresh interactive login.
// The bearer subject must own the session being cleared.
func (h *Handler) ServeReauthCleared(w http.ResponseWriter, r *http.Request) {
	claims := Identity(r.Context())

	var req struct {
		UserID string `json:"userId"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.writeError(w, ErrInvalidRequest("userId is required"))
		return
	}

	user, err := h.broker.stores.Users.GetByID(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, ErrInvalidRequest("no session for user"))
			return
		}
		h.broker.config.Logger.Error("loading user for reauth clear", "error", err)
		h.writeError(w, ErrServerError())
		return
	}
	if user.Subject != claims.Subject {
		h.writeError(w, ErrInvalidToken())
		return
	}

	if err := h.broker.ClearReauth(r.Context(), req.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeCheck reports authentication state from the session store only.
func (h *Handler) ServeCheck(w http.ResponseWriter, r *http.Request) {
	refreshToken := ""
	if c, err := r.Cookie(h.broker.config.Cookies.RefreshCookieName); err == nil {
		refreshToken = c.Value
	}

	status, err := h.broker.CheckAuth(r.Context(), refreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ServeLogout deletes the session and clears the refresh cookie.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	refreshToken := ""
	if c, err := r.Cookie(h.broker.config.Cookies.RefreshCookieName); err == nil {
		refreshToken = c.Value
	}

	if err := h.broker.LogoutByRefreshToken(r.Context(), refreshToken, h.clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.clearCookie(w, h.broker.config.Cookies.RefreshCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// RequireAuth verifies the bearer token and attaches the claims to the
// request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			h.writeError(w, ErrInvalidToken())
			return
		}

		claims, err := h.broker.VerifyAccessToken(r.Context(), raw)
		if err != nil {
			h.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// ==================== Plumbing ====================

// allow applies the per-IP rate limit. Returns false after writing 429.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return true
	}
	h.broker.auditor.LogRateLimitExceeded(clientIP)
	if h.broker.metrics != nil {
		h.broker.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimited())
	return false
}

// clientIP extracts the caller address, honoring proxy headers only when
// configured to trust them.
func (h *Handler) clientIP(r *http.Request) string {
	if h.broker.config.RateLimit.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cookiePath,
		Domain:   h.broker.config.Cookies.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.broker.config.secureCookies(),
		SameSite: h.broker.config.Cookies.SameSite,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     cookiePath,
		Domain:   h.broker.config.Cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.broker.config.secureCookies(),
		SameSite: h.broker.config.Cookies.SameSite,
	})
}

// redirectError sends the browser to the error URL with a generic code.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	sep := "?"
	if strings.Contains(h.broker.config.ErrorURL, "?") {
		sep = "&"
	}
	http.Redirect(w, r, h.broker.config.ErrorURL+sep+"error="+code, http.StatusFound)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed JSON body"))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.broker.config.Logger.Error("encoding response", "error", err)
	}
}

// writeError emits the taxonomy code and generic message, nothing else.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		authErr = ErrServerError()
	}
	h.writeJSON(w, authErr.Status, map[string]string{
		"error":   authErr.Code,
		"message": authErr.Message,
	})
}

// metricsMiddleware records request counts and latency per route pattern.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.broker.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		h.broker.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint,
			sw.status, float64(time.Since(start).Milliseconds()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
