package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/session"
	"go.uber.org/goleak"
)

func newTestRegistry(t *testing.T, f *fixture, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{
		WithRegistryClock(f.clock),
		WithRegistryLogger(discardLogger()),
		WithRegistryRecorder(f.stats),
	}, opts...)
	r := NewRegistry(f.factory, opts...)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_LoginGetLogout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	p, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	got, ok := r.Get(p.SessionID())
	if !ok || got != p {
		t.Fatalf("Get(%q) = %v, %v; want the logged-in provider", p.SessionID(), got, ok)
	}
	if r.Len() != 1 || f.stats.GetStats().ActiveSessions != 1 {
		t.Errorf("Len() = %d, active gauge = %d; want 1", r.Len(), f.stats.GetStats().ActiveSessions)
	}

	if err := r.Logout(ctx, p.SessionID()); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, ok := r.Get("sess-1"); ok {
		t.Error("provider still registered after Logout")
	}
	if _, logouts := f.idp.calls(); len(logouts) != 1 || logouts[0] != "sess-1" {
		t.Errorf("backend logouts = %v, want [sess-1]", logouts)
	}
	if err := r.Logout(ctx, "sess-1"); err != nil {
		t.Errorf("second Logout() error: %v", err)
	}
	if f.stats.GetStats().ActiveSessions != 0 {
		t.Errorf("active gauge = %d, want 0", f.stats.GetStats().ActiveSessions)
	}
}

func TestRegistry_FailedLoginNotRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f)

	_, err := r.Login(context.Background(), auth.Credentials{Username: "alice", Password: "nope"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("Login() err = %v, want ErrInvalidCredentials", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_Resume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first := newTestRegistry(t, f)
	if _, err := first.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"}); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	second := newTestRegistry(t, f)
	p, err := second.Resume(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if p.Status() != session.Authenticated {
		t.Errorf("Status() = %v, want authenticated", p.Status())
	}
	again, err := second.Resume(ctx, "sess-1")
	if err != nil || again != p {
		t.Errorf("second Resume() = %p, %v; want the same provider", again, err)
	}

	for _, id := range []string{"", "sess-404"} {
		if _, err := second.Resume(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Resume(%q) err = %v, want ErrSessionNotFound", id, err)
		}
	}
	if second.Len() != 1 {
		t.Errorf("Len() = %d, want 1", second.Len())
	}
}

func TestRegistry_CleanupKeepsExpiredForRetention(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f, WithRetention(5*time.Minute))
	ctx := context.Background()

	p, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if _, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"}); err != nil {
		t.Fatalf("second Login() error: %v", err)
	}

	f.clock.Advance(3 * time.Minute)
	if p.Status() != session.Expired {
		t.Fatalf("Status() = %v, want expired", p.Status())
	}

	r.cleanup()
	if _, ok := r.Get("sess-1"); !ok {
		t.Fatal("expired provider dropped before retention elapsed")
	}

	f.clock.Advance(5 * time.Minute)
	r.cleanup()
	if _, ok := r.Get("sess-1"); ok {
		t.Error("expired provider kept after retention")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (second session also idled out)", r.Len())
	}
}

func TestRegistry_ExpiredSessionNotResumedAfterFailedLogout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()
	f.idp.setLogoutErr(errors.New("backend unavailable"))

	p, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	sid := p.SessionID()

	f.clock.Advance(130 * time.Second)
	if p.Status() != session.Expired {
		t.Fatalf("Status() = %v, want expired", p.Status())
	}
	f.clock.Advance(70 * time.Second)
	r.cleanup()

	if _, ok := r.Get(sid); ok {
		t.Fatal("expired provider kept after retention")
	}
	if r.Tombstones() != 1 {
		t.Fatalf("Tombstones() = %d, want 1", r.Tombstones())
	}
	if got, err := r.Resume(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Resume() = %v, %v; want ErrSessionNotFound for an expired session", got, err)
	}

	// The backend comes back: the retried logout ends the grant.
	f.idp.setLogoutErr(nil)
	r.cleanup()
	if r.Tombstones() != 0 {
		t.Errorf("Tombstones() = %d after successful logout, want 0", r.Tombstones())
	}
	if _, err := r.Resume(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_TombstoneForgottenAfterGrantExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()
	f.idp.setLogoutErr(errors.New("backend unavailable"))

	p, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := r.Logout(ctx, p.SessionID()); err == nil {
		t.Fatal("Logout() expected backend error")
	}
	if _, err := r.Resume(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Resume() after failed logout err = %v, want ErrSessionNotFound", err)
	}

	r.cleanup()
	if r.Tombstones() != 1 {
		t.Fatalf("Tombstones() = %d while the grant is live, want 1", r.Tombstones())
	}

	f.clock.Advance(time.Hour)
	r.cleanup()
	if r.Tombstones() != 0 {
		t.Errorf("Tombstones() = %d after grant expiry, want 0", r.Tombstones())
	}
}

func TestRegistry_CleanupDropsUnauthenticated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	p, err := r.Login(ctx, auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	// Logging out through the provider bypasses the registry.
	if err := p.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}

	r.cleanup()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_StopClosesProviders(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	r := NewRegistry(f.factory, WithRegistryClock(f.clock), WithRegistryLogger(discardLogger()))
	r.StartCleanup(context.Background())

	p, err := r.Login(context.Background(), auth.Credentials{Username: "alice", Password: "pw-alice"})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	ch, _ := p.Subscribe()

	r.Stop()
	r.Stop()

	for range ch {
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if _, logouts := f.idp.calls(); len(logouts) != 0 {
		t.Errorf("Stop() should not end backend sessions, got logouts %v", logouts)
	}
}
