// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; multi-replica deployments need the redis and postgres
// backends so callbacks and exchanges can land on different processes.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamvane/authbroker/security"
	"github.com/streamvane/authbroker/storage"
)

const defaultJanitorInterval = time.Minute

type pendingEntry struct {
	pending   *storage.PendingAuth
	expiresAt time.Time
}

type flowEntry struct {
	flow      *storage.LoginFlow
	expiresAt time.Time
}

// Store is an in-memory implementation of SessionStore, StateTokenStore,
// FlowStore and UserStore.
type Store struct {
	mu sync.Mutex

	sessions map[string]*storage.SessionRecord // user ID -> session
	pending  map[string]*pendingEntry          // state token -> bundle
	flows    map[string]*flowEntry             // flow ID -> PKCE context
	users    map[string]*storage.User          // local ID -> user
	subjects map[string]string                 // provider subject -> local ID

	logger *slog.Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the store's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an in-memory store and starts its expiry janitor.
// Call Stop when done.
func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*storage.SessionRecord),
		pending:  make(map[string]*pendingEntry),
		flows:    make(map[string]*flowEntry),
		users:    make(map[string]*storage.User),
		subjects: make(map[string]string),
		logger:   slog.Default(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor()
	return s
}

// Stop terminates the janitor goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(defaultJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.pending {
		if now.After(e.expiresAt) {
			delete(s.pending, token)
			removed++
		}
	}
	for id, e := range s.flows {
		if now.After(e.expiresAt) {
			delete(s.flows, id)
			removed++
		}
	}
	for userID, rec := range s.sessions {
		if !rec.ExpiresAt.IsZero() && security.IsExpired(now, rec.ExpiresAt) {
			delete(s.sessions, userID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("memory store cleanup", "removed", removed)
	}
}

// ==================== SessionStore ====================

// Upsert creates or replaces a session record.
func (s *Store) Upsert(ctx context.Context, rec *storage.SessionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("memory: session record with user ID is required")
	}
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.UserID] = &cp
	return nil
}

// Get returns the user's session, or storage.ErrNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, userID string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	// Session expiry tolerates clock skew; one-time tokens below stay strict.
	if !rec.ExpiresAt.IsZero() && security.IsExpired(s.now(), rec.ExpiresAt) {
		delete(s.sessions, userID)
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FindByRefreshToken returns the session holding the given refresh token.
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (*storage.SessionRecord, error) {
	if refreshToken == "" {
		return nil, storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, rec := range s.sessions {
		if rec.RefreshToken != refreshToken {
			continue
		}
		if !rec.ExpiresAt.IsZero() && security.IsExpired(now, rec.ExpiresAt) {
			return nil, storage.ErrNotFound
		}
		cp := *rec
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

// MarkReauthRequired flags the session as requiring interactive login.
func (s *Store) MarkReauthRequired(ctx context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[userID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.RequiresReauth = true
	rec.ReauthReason = reason
	return nil
}

// ClearReauth removes the reauth flag.
func (s *Store) ClearReauth(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[userID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.RequiresReauth = false
	rec.ReauthReason = ""
	return nil
}

// Delete removes a session record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

// ==================== StateTokenStore ====================

// PutPendingAuth stores a pending bundle under a state token with a TTL.
func (s *Store) PutPendingAuth(ctx context.Context, token string, pending *storage.PendingAuth, ttl time.Duration) error {
	if token == "" || pending == nil {
		return fmt.Errorf("memory: state token and bundle are required")
	}
	cp := *pending
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[token] = &pendingEntry{pending: &cp, expiresAt: s.now().Add(ttl)}
	return nil
}

// ConsumePendingAuth atomically retrieves and deletes a pending bundle.
// The mutex makes the read-and-delete atomic: a concurrent second consumer
// observes ErrNotFound, never a stale value.
func (s *Store) ConsumePendingAuth(ctx context.Context, token string) (*storage.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pending, token)
	if s.now().After(e.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return e.pending, nil
}

// ==================== FlowStore ====================

// PutLoginFlow stores a PKCE context under a flow ID with a TTL.
func (s *Store) PutLoginFlow(ctx context.Context, flowID string, flow *storage.LoginFlow, ttl time.Duration) error {
	if flowID == "" || flow == nil {
		return fmt.Errorf("memory: flow ID and flow are required")
	}
	cp := *flow
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flowID] = &flowEntry{flow: &cp, expiresAt: s.now().Add(ttl)}
	return nil
}

// ConsumeLoginFlow atomically retrieves and deletes a login flow.
func (s *Store) ConsumeLoginFlow(ctx context.Context, flowID string) (*storage.LoginFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.flows[flowID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.flows, flowID)
	if s.now().After(e.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return e.flow, nil
}

// ==================== UserStore ====================

// GetOrCreateBySubject resolves a local user for a provider subject.
func (s *Store) GetOrCreateBySubject(ctx context.Context, subject, email, name string) (*storage.User, error) {
	if subject == "" {
		return nil, fmt.Errorf("memory: subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.subjects[subject]; ok {
		u := s.users[id]
		u.Email = email
		if name != "" {
			u.Name = name
		}
		cp := *u
		return &cp, nil
	}

	u := &storage.User{
		ID:        uuid.NewString(),
		Subject:   subject,
		Email:     email,
		Name:      name,
		CreatedAt: s.now(),
	}
	s.users[u.ID] = u
	s.subjects[subject] = u.ID
	cp := *u
	return &cp, nil
}

// GetByID returns a user by local ID.
func (s *Store) GetByID(ctx context.Context, id string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Interface conformance checks.
var (
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.StateTokenStore = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.UserStore       = (*Store)(nil)
)
