package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security-relevant authentication events with PII protection:
// user identifiers are hashed before they reach the log stream, tokens never
// appear at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When enabled is false all Log* calls are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit record.
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
}

// LogEvent emits an audit record with the user ID hashed.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogLoginInitiated records the start of an interactive login flow.
func (a *Auditor) LogLoginInitiated(ipAddress string) {
	a.LogEvent(Event{Type: "login_initiated", IPAddress: ipAddress})
}

// LogLoginCompleted records a successful code exchange for a user.
func (a *Auditor) LogLoginCompleted(userID, ipAddress string) {
	a.LogEvent(Event{Type: "login_completed", UserID: userID, IPAddress: ipAddress})
}

// LogStateMismatch records a failed anti-CSRF state check on the callback.
func (a *Auditor) LogStateMismatch(ipAddress string) {
	a.LogEvent(Event{Type: "state_mismatch", IPAddress: ipAddress})
}

// LogStateTokenReplay records an exchange attempt against a consumed or
// expired state token.
func (a *Auditor) LogStateTokenReplay(ipAddress string) {
	a.LogEvent(Event{Type: "state_token_replay", IPAddress: ipAddress})
}

// LogTokenRefreshed records a refresh, noting whether the refresh token rotated.
func (a *Auditor) LogTokenRefreshed(userID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogReauthRequired records a session being marked as needing interactive login.
func (a *Auditor) LogReauthRequired(userID, reason string) {
	a.LogEvent(Event{
		Type:    "reauth_required",
		UserID:  userID,
		Details: map[string]any{"reason": reason},
	})
}

// LogFallbackRejected records a refresh-fallback attempt with a bad binding secret.
func (a *Auditor) LogFallbackRejected(userID, ipAddress string) {
	a.LogEvent(Event{Type: "fallback_rejected", UserID: userID, IPAddress: ipAddress})
}

// LogRateLimitExceeded records a rate-limited request.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{Type: "rate_limit_exceeded", IPAddress: ipAddress})
}

// LogLogout records session termination.
func (a *Auditor) LogLogout(userID, ipAddress string) {
	a.LogEvent(Event{Type: "logout", UserID: userID, IPAddress: ipAddress})
}

// hashForLogging returns a truncated SHA-256 of an identifier, enough to
// correlate events for one user without writing the identifier itself.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
