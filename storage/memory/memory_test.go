package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamvane/authbroker/storage"
)

var ctx = context.Background()

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

// ============================================================
// SessionStore
// ============================================================

func TestSession_UpsertAndGet(t *testing.T) {
	s := testStore(t)

	rec := &storage.SessionRecord{
		UserID:       "u1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		Device:       &storage.DeviceInfo{Platform: "web"},
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RefreshToken != "rt-1" {
		t.Errorf("RefreshToken = %q", got.RefreshToken)
	}
	if got.Device == nil || got.Device.Platform != "web" {
		t.Errorf("Device = %+v", got.Device)
	}
}

func TestSession_UpsertReplacesRotatedToken(t *testing.T) {
	s := testStore(t)

	rec := &storage.SessionRecord{UserID: "u1", RefreshToken: "rt-old", ExpiresAt: time.Now().Add(time.Hour)}
	s.Upsert(ctx, rec)
	rec.RefreshToken = "rt-new"
	s.Upsert(ctx, rec)

	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RefreshToken != "rt-new" {
		t.Errorf("RefreshToken = %q, want rt-new", got.RefreshToken)
	}
	if _, err := s.FindByRefreshToken(ctx, "rt-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old refresh token still resolvable after rotation: %v", err)
	}
}

func TestSession_GetExpired(t *testing.T) {
	now := time.Now()
	clock := &now
	s := New(WithClock(func() time.Time { return *clock }))
	defer s.Stop()

	s.Upsert(ctx, &storage.SessionRecord{UserID: "u1", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)})

	later := now.Add(2 * time.Hour)
	clock = &later

	if _, err := s.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() of expired session error = %v, want ErrNotFound", err)
	}
}

func TestSession_ReauthLifecycle(t *testing.T) {
	s := testStore(t)
	s.Upsert(ctx, &storage.SessionRecord{UserID: "u1", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)})

	if err := s.MarkReauthRequired(ctx, "u1", storage.ReauthReasonRotationLimit); err != nil {
		t.Fatalf("MarkReauthRequired() error = %v", err)
	}
	got, _ := s.Get(ctx, "u1")
	if !got.RequiresReauth || got.ReauthReason != storage.ReauthReasonRotationLimit {
		t.Errorf("after mark: RequiresReauth=%v reason=%q", got.RequiresReauth, got.ReauthReason)
	}

	if err := s.ClearReauth(ctx, "u1"); err != nil {
		t.Fatalf("ClearReauth() error = %v", err)
	}
	got, _ = s.Get(ctx, "u1")
	if got.RequiresReauth || got.ReauthReason != "" {
		t.Errorf("after clear: RequiresReauth=%v reason=%q", got.RequiresReauth, got.ReauthReason)
	}
}

func TestSession_Delete(t *testing.T) {
	s := testStore(t)
	s.Upsert(ctx, &storage.SessionRecord{UserID: "u1", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)})

	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Errorf("Delete() of absent record error = %v, want nil", err)
	}
}

// ============================================================
// StateTokenStore
// ============================================================

func TestPendingAuth_SingleUse(t *testing.T) {
	s := testStore(t)

	pending := &storage.PendingAuth{AccessToken: "at", UserID: "u1"}
	if err := s.PutPendingAuth(ctx, "tok", pending, time.Minute); err != nil {
		t.Fatalf("PutPendingAuth() error = %v", err)
	}

	got, err := s.ConsumePendingAuth(ctx, "tok")
	if err != nil {
		t.Fatalf("ConsumePendingAuth() error = %v", err)
	}
	if got.AccessToken != "at" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}

	if _, err := s.ConsumePendingAuth(ctx, "tok"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume error = %v, want ErrNotFound (replay must fail)", err)
	}
}

func TestPendingAuth_Expired(t *testing.T) {
	now := time.Now()
	clock := &now
	s := New(WithClock(func() time.Time { return *clock }))
	defer s.Stop()

	s.PutPendingAuth(ctx, "tok", &storage.PendingAuth{AccessToken: "at"}, time.Minute)

	later := now.Add(2 * time.Minute)
	clock = &later

	if _, err := s.ConsumePendingAuth(ctx, "tok"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("consume of expired token error = %v, want ErrNotFound", err)
	}
}

func TestPendingAuth_ConcurrentConsumeOneWinner(t *testing.T) {
	s := testStore(t)
	s.PutPendingAuth(ctx, "tok", &storage.PendingAuth{AccessToken: "at"}, time.Minute)

	const goroutines = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.ConsumePendingAuth(ctx, "tok"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent consumes succeeded %d times, want exactly 1", got)
	}
}

// ============================================================
// FlowStore
// ============================================================

func TestLoginFlow_SingleUse(t *testing.T) {
	s := testStore(t)

	flow := &storage.LoginFlow{State: "st", CodeVerifier: "ver"}
	if err := s.PutLoginFlow(ctx, "flow-1", flow, time.Minute); err != nil {
		t.Fatalf("PutLoginFlow() error = %v", err)
	}

	got, err := s.ConsumeLoginFlow(ctx, "flow-1")
	if err != nil {
		t.Fatalf("ConsumeLoginFlow() error = %v", err)
	}
	if got.State != "st" || got.CodeVerifier != "ver" {
		t.Errorf("flow = %+v", got)
	}

	if _, err := s.ConsumeLoginFlow(ctx, "flow-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume error = %v, want ErrNotFound", err)
	}
}

// ============================================================
// UserStore
// ============================================================

func TestUser_GetOrCreateBySubject(t *testing.T) {
	s := testStore(t)

	u1, err := s.GetOrCreateBySubject(ctx, "idp|abc", "a@example.com", "Ada")
	if err != nil {
		t.Fatalf("GetOrCreateBySubject() error = %v", err)
	}
	if u1.ID == "" {
		t.Fatal("created user has empty ID")
	}

	u2, err := s.GetOrCreateBySubject(ctx, "idp|abc", "new@example.com", "")
	if err != nil {
		t.Fatalf("second GetOrCreateBySubject() error = %v", err)
	}
	if u2.ID != u1.ID {
		t.Errorf("same subject resolved to different users: %q vs %q", u1.ID, u2.ID)
	}
	if u2.Email != "new@example.com" {
		t.Errorf("Email not refreshed: %q", u2.Email)
	}
	if u2.Name != "Ada" {
		t.Errorf("Name overwritten by empty value: %q", u2.Name)
	}

	got, err := s.GetByID(ctx, u1.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Subject != "idp|abc" {
		t.Errorf("Subject = %q", got.Subject)
	}
}

func TestUser_GetByID_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}
