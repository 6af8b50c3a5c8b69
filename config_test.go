package broker

import (
	"net/http"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{FrontendURL: "https://app.example.com"}
	cfg.IdP.Domain = "tenant.example.auth0.com"
	cfg.IdP.ClientID = "client"
	cfg.IdP.CallbackURL = "https://auth.example.com/auth/callback"
	return cfg
}

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.ErrorURL != cfg.FrontendURL {
		t.Errorf("ErrorURL = %q, want frontend fallback", cfg.ErrorURL)
	}
	if cfg.Cookies.RefreshCookieName != "auth_refresh" || cfg.Cookies.FlowCookieName != "auth_flow" {
		t.Errorf("cookie names = %q, %q", cfg.Cookies.RefreshCookieName, cfg.Cookies.FlowCookieName)
	}
	if cfg.Cookies.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", cfg.Cookies.SameSite)
	}
	if cfg.StateTokenTTL != 2*time.Minute {
		t.Errorf("StateTokenTTL = %v", cfg.StateTokenTTL)
	}
	if cfg.LoginFlowTTL != 10*time.Minute {
		t.Errorf("LoginFlowTTL = %v", cfg.LoginFlowTTL)
	}
	if cfg.SessionTTL != 30*24*time.Hour {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.ServiceAuth.Mode != ServiceAuthNone {
		t.Errorf("ServiceAuth.Mode = %q, want none", cfg.ServiceAuth.Mode)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestConfigValidate_Required(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing frontend URL", func(c *Config) { c.FrontendURL = "" }},
		{"missing domain", func(c *Config) { c.IdP.Domain = "" }},
		{"missing client ID", func(c *Config) { c.IdP.ClientID = "" }},
		{"missing callback URL", func(c *Config) { c.IdP.CallbackURL = "" }},
		{"static mode without key", func(c *Config) { c.ServiceAuth.Mode = ServiceAuthStatic }},
		{"refresh mode without token", func(c *Config) { c.ServiceAuth.Mode = ServiceAuthRefreshGrant }},
		{"unknown service auth mode", func(c *Config) { c.ServiceAuth.Mode = "oauth1" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestConfig_SecureCookies(t *testing.T) {
	cfg := validConfig()
	cfg.PublicURL = "https://auth.example.com"
	if !cfg.secureCookies() {
		t.Error("HTTPS public URL did not enable secure cookies")
	}

	cfg.PublicURL = "http://localhost:8080"
	if cfg.secureCookies() {
		t.Error("HTTP public URL enabled secure cookies")
	}
}
