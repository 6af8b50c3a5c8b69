// Package storage defines the persistence interfaces the broker depends on:
// durable per-user sessions holding refresh tokens, short-lived single-use
// state tokens and login flows, and local user profiles. Implementations
// live in the memory, redis and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist, has expired,
	// or (for single-use records) has already been consumed.
	ErrNotFound = errors.New("storage: not found")
)

// Reauth reasons recorded when a session becomes unrecoverable.
const (
	ReauthReasonRotationLimit = "token_rotation_limit"
	ReauthReasonInvalidGrant  = "invalid_grant"
	ReauthReasonLogout        = "logout"
)

// DeviceInfo is optional structured client metadata attached to a session.
// It replaces the loosely-typed custom-data blob of earlier designs so the
// stored shape stays checkable.
type DeviceInfo struct {
	UserAgent  string `json:"userAgent,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// SessionRecord is the durable refresh-token session for one user. At most
// one non-expired record is authoritative per user.
type SessionRecord struct {
	UserID string

	// RefreshToken is the provider refresh token. Rotated on every
	// successful refresh.
	RefreshToken string

	// FallbackSecretHash is the bcrypt hash of the secret a browser must
	// present to use the cookieless refresh fallback. The plaintext secret
	// is handed to the client exactly once, at token exchange.
	FallbackSecretHash []byte

	LastUsedAt time.Time
	ExpiresAt  time.Time

	// RequiresReauth marks the session unrecoverable until the user
	// completes a fresh interactive login.
	RequiresReauth bool
	ReauthReason   string

	Device *DeviceInfo
}

// User is a local user profile keyed by the provider subject.
type User struct {
	ID        string    `json:"id"`
	Subject   string    `json:"-"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// PendingAuth is a token bundle parked server-side between the IdP callback
// and the browser's token exchange, addressed by a single-use state token.
// Access tokens live here briefly and never in durable storage.
type PendingAuth struct {
	AccessToken    string    `json:"accessToken"`
	ExpiresIn      int64     `json:"expiresIn"`
	UserID         string    `json:"userId"`
	FallbackSecret string    `json:"fallbackSecret,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// LoginFlow is the ephemeral PKCE context for one in-progress login,
// addressed by the flow ID carried in the browser's flow cookie.
type LoginFlow struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionStore persists one refresh-token session per user.
type SessionStore interface {
	// Upsert creates or replaces the user's session record.
	Upsert(ctx context.Context, rec *SessionRecord) error

	// Get returns the user's session, or ErrNotFound if absent or expired.
	Get(ctx context.Context, userID string) (*SessionRecord, error)

	// FindByRefreshToken returns the session currently holding the given
	// refresh token. Used by cookie-driven flows that know the token but
	// not the user.
	FindByRefreshToken(ctx context.Context, refreshToken string) (*SessionRecord, error)

	// MarkReauthRequired flags the session as unrecoverable with a reason.
	MarkReauthRequired(ctx context.Context, userID, reason string) error

	// ClearReauth removes the reauth flag after a fresh interactive login.
	ClearReauth(ctx context.Context, userID string) error

	// Delete removes the session record.
	Delete(ctx context.Context, userID string) error
}

// StateTokenStore holds pending token bundles under single-use state tokens.
// Consume MUST be an atomic read-and-delete: of two concurrent consumers of
// one token, exactly one succeeds and the other sees ErrNotFound.
type StateTokenStore interface {
	// PutPendingAuth stores a bundle under a state token with a short TTL.
	PutPendingAuth(ctx context.Context, token string, pending *PendingAuth, ttl time.Duration) error

	// ConsumePendingAuth atomically retrieves and deletes the bundle.
	ConsumePendingAuth(ctx context.Context, token string) (*PendingAuth, error)
}

// FlowStore holds in-progress login flows keyed by flow ID. Consume is
// atomic read-and-delete with the same single-use semantics as state tokens.
type FlowStore interface {
	// PutLoginFlow stores a PKCE context under a flow ID with a TTL.
	PutLoginFlow(ctx context.Context, flowID string, flow *LoginFlow, ttl time.Duration) error

	// ConsumeLoginFlow atomically retrieves and deletes the flow.
	ConsumeLoginFlow(ctx context.Context, flowID string) (*LoginFlow, error)
}

// UserStore resolves local user profiles from provider subjects.
type UserStore interface {
	// GetOrCreateBySubject returns the user for a provider subject, creating
	// the profile on first login and refreshing mutable fields on later ones.
	GetOrCreateBySubject(ctx context.Context, subject, email, name string) (*User, error)

	// GetByID returns a user by local ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*User, error)
}
