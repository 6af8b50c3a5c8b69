// Package postgres provides the durable SessionStore and UserStore on
// PostgreSQL via pgx. The broker consumes the relational store only through
// this narrow CRUD surface.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvane/authbroker/storage"
)

// Schema holds the DDL for the broker's tables. Applied by EnsureSchema;
// deployments with managed migrations can run it out of band instead.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	user_id              TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	refresh_token        TEXT NOT NULL,
	fallback_secret_hash BYTEA,
	last_used_at         TIMESTAMPTZ NOT NULL,
	expires_at           TIMESTAMPTZ NOT NULL,
	requires_reauth      BOOLEAN NOT NULL DEFAULT FALSE,
	reauth_reason        TEXT NOT NULL DEFAULT '',
	device               JSONB
);

CREATE INDEX IF NOT EXISTS sessions_refresh_token_idx ON sessions (refresh_token);
`

// Store implements SessionStore and UserStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store from an existing pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres: pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema applies the broker's DDL.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: applying schema: %w", err)
	}
	return nil
}

// ==================== SessionStore ====================

// Upsert creates or replaces the user's session record.
func (s *Store) Upsert(ctx context.Context, rec *storage.SessionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("postgres: session record with user ID is required")
	}

	var device []byte
	if rec.Device != nil {
		var err error
		device, err = json.Marshal(rec.Device)
		if err != nil {
			return fmt.Errorf("postgres: encoding device info: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (user_id, refresh_token, fallback_secret_hash,
			last_used_at, expires_at, requires_reauth, reauth_reason, device)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			refresh_token        = EXCLUDED.refresh_token,
			fallback_secret_hash = EXCLUDED.fallback_secret_hash,
			last_used_at         = EXCLUDED.last_used_at,
			expires_at           = EXCLUDED.expires_at,
			requires_reauth      = EXCLUDED.requires_reauth,
			reauth_reason        = EXCLUDED.reauth_reason,
			device               = EXCLUDED.device`,
		rec.UserID, rec.RefreshToken, rec.FallbackSecretHash,
		rec.LastUsedAt, rec.ExpiresAt, rec.RequiresReauth, rec.ReauthReason, device)
	if err != nil {
		return fmt.Errorf("postgres: upserting session: %w", err)
	}
	return nil
}

// Get returns the user's non-expired session.
func (s *Store) Get(ctx context.Context, userID string) (*storage.SessionRecord, error) {
	return s.scanSession(s.pool.QueryRow(ctx, `
		SELECT user_id, refresh_token, fallback_secret_hash, last_used_at,
			expires_at, requires_reauth, reauth_reason, device
		FROM sessions
		WHERE user_id = $1 AND expires_at > now()`, userID))
}

// FindByRefreshToken returns the non-expired session holding the token.
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.SessionRecord, error) {
	if refreshToken == "" {
		return nil, storage.ErrNotFound
	}
	return s.scanSession(s.pool.QueryRow(ctx, `
		SELECT user_id, refresh_token, fallback_secret_hash, last_used_at,
			expires_at, requires_reauth, reauth_reason, device
		FROM sessions
		WHERE refresh_token = $1 AND expires_at > now()`, refreshToken))
}

func (s *Store) scanSession(row pgx.Row) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	var device []byte
	err := row.Scan(&rec.UserID, &rec.RefreshToken, &rec.FallbackSecretHash,
		&rec.LastUsedAt, &rec.ExpiresAt, &rec.RequiresReauth, &rec.ReauthReason, &device)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scanning session: %w", err)
	}
	if len(device) > 0 {
		rec.Device = &storage.DeviceInfo{}
		if err := json.Unmarshal(device, rec.Device); err != nil {
			return nil, fmt.Errorf("postgres: decoding device info: %w", err)
		}
	}
	return &rec, nil
}

// MarkReauthRequired flags the session as requiring interactive login.
func (s *Store) MarkReauthRequired(ctx context.Context, userID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET requires_reauth = TRUE, reauth_reason = $2
		WHERE user_id = $1`, userID, reason)
	if err != nil {
		return fmt.Errorf("postgres: marking reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearReauth removes the reauth flag.
func (s *Store) ClearReauth(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET requires_reauth = FALSE, reauth_reason = ''
		WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres: clearing reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes the session record.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres: deleting session: %w", err)
	}
	return nil
}

// ==================== UserStore ====================

// GetOrCreateBySubject resolves a local user for a provider subject,
// refreshing the email on every login and the name when one is supplied.
func (s *Store) GetOrCreateBySubject(ctx context.Context, subject, email, name string) (*storage.User, error) {
	if subject == "" {
		return nil, fmt.Errorf("postgres: subject is required")
	}

	var u storage.User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, subject, email, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject) DO UPDATE SET
			email = EXCLUDED.email,
			name  = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END
		RETURNING id, subject, email, name, created_at`,
		uuid.NewString(), subject, email, name, time.Now().UTC()).
		Scan(&u.ID, &u.Subject, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: resolving user: %w", err)
	}
	return &u, nil
}

// GetByID returns a user by local ID.
func (s *Store) GetByID(ctx context.Context, id string) (*storage.User, error) {
	var u storage.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, subject, email, name, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Subject, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: loading user: %w", err)
	}
	return &u, nil
}

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.UserStore    = (*Store)(nil)
)
