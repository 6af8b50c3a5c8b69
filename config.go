package broker

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/streamvane/authbroker/idp"
)

// Config holds the broker configuration.
// Structured using composition, with secure defaults applied by Validate.
type Config struct {
	// FrontendURL is where browsers are redirected after the callback
	// completes, with "?state_token=..." appended (required).
	FrontendURL string

	// ErrorURL is where browsers are redirected when the callback fails.
	// Defaults to FrontendURL. A generic "?error=<code>" is appended.
	ErrorURL string

	// PublicURL is the externally visible base URL of this broker, used for
	// cookie security attributes. HTTPS enables Secure cookies.
	PublicURL string

	// IdP holds identity provider credentials and endpoints.
	IdP idp.Config

	// Cookies controls the refresh and flow cookies.
	Cookies CookieConfig

	// RateLimit holds per-IP rate limiting configuration.
	RateLimit RateLimitConfig

	// ServiceAuth configures the outbound service token source.
	ServiceAuth ServiceAuthConfig

	// StateTokenTTL bounds the one-time state token lifetime.
	// Default: 2 minutes.
	StateTokenTTL time.Duration

	// LoginFlowTTL bounds a pending login (PKCE context) lifetime.
	// Default: 10 minutes.
	LoginFlowTTL time.Duration

	// SessionTTL bounds the server-side session record lifetime.
	// Default: 30 days.
	SessionTTL time.Duration

	// EnableAuditLogging enables the security audit log.
	// Sensitive values are hashed before logging.
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for provider requests.
	// Used by tests to point at a stub provider.
	HTTPClient *http.Client
}

// CookieConfig holds cookie settings for the refresh and flow cookies.
type CookieConfig struct {
	// RefreshCookieName names the long-lived refresh token cookie.
	// Default: "auth_refresh".
	RefreshCookieName string

	// FlowCookieName names the short-lived login flow cookie.
	// Default: "auth_flow".
	FlowCookieName string

	// Domain scopes the cookies. Empty means host-only.
	Domain string

	// SameSite for both cookies. Defaults to Lax, which still sends the
	// cookie on the top-level redirect back from the provider.
	SameSite http.SameSite
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the login and refresh
	// endpoints. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// Service token source modes.
const (
	ServiceAuthNone         = "none"
	ServiceAuthStatic       = "static"
	ServiceAuthRefreshGrant = "refresh_token"
)

// ServiceAuthConfig configures how the broker authenticates its own
// outbound service-to-service calls.
type ServiceAuthConfig struct {
	// Mode is one of "none", "static", "refresh_token".
	// Default: "none".
	Mode string

	// APIKey is the static credential for Mode "static".
	APIKey string

	// RefreshToken seeds the service-account refresh grant for
	// Mode "refresh_token".
	RefreshToken string
}

// Validate checks required fields and applies defaults in place.
func (c *Config) Validate() error {
	if c.FrontendURL == "" {
		return fmt.Errorf("broker: frontend URL is required")
	}
	if c.IdP.Domain == "" {
		return fmt.Errorf("broker: identity provider domain is required")
	}
	if c.IdP.ClientID == "" {
		return fmt.Errorf("broker: identity provider client ID is required")
	}
	if c.IdP.CallbackURL == "" {
		return fmt.Errorf("broker: callback URL is required")
	}

	if c.ErrorURL == "" {
		c.ErrorURL = c.FrontendURL
	}
	if c.Cookies.RefreshCookieName == "" {
		c.Cookies.RefreshCookieName = "auth_refresh"
	}
	if c.Cookies.FlowCookieName == "" {
		c.Cookies.FlowCookieName = "auth_flow"
	}
	if c.Cookies.SameSite == 0 {
		c.Cookies.SameSite = http.SameSiteLaxMode
	}
	if c.StateTokenTTL <= 0 {
		c.StateTokenTTL = 2 * time.Minute
	}
	if c.LoginFlowTTL <= 0 {
		c.LoginFlowTTL = 10 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	switch c.ServiceAuth.Mode {
	case "":
		c.ServiceAuth.Mode = ServiceAuthNone
	case ServiceAuthNone:
	case ServiceAuthStatic:
		if c.ServiceAuth.APIKey == "" {
			return fmt.Errorf("broker: static service auth requires an API key")
		}
	case ServiceAuthRefreshGrant:
		if c.ServiceAuth.RefreshToken == "" {
			return fmt.Errorf("broker: refresh grant service auth requires a refresh token")
		}
	default:
		return fmt.Errorf("broker: unknown service auth mode %q", c.ServiceAuth.Mode)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// secureCookies reports whether cookies should carry the Secure attribute,
// based on the broker's public URL scheme.
func (c *Config) secureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}
