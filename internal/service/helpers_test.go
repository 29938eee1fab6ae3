package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freightdesk/trustgate/internal/adapter/outbound/memory"
	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/clock/clocktest"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

var epoch = time.Date(2026, 5, 18, 14, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock IdentityProvider ---

type stubUser struct {
	password string
	otp      string
	identity auth.Identity
}

// stubIdentityProvider implements auth.IdentityProvider with plain-text
// passwords and a fixed one-time code.
type stubIdentityProvider struct {
	mu          sync.Mutex
	clock       clock.Clock
	ttl         time.Duration
	users       map[string]stubUser
	grants      map[string]*auth.Grant
	next        int
	loginCalls  int
	logouts     []string
	restoreGate chan struct{}
	// loginGate, when set, is sent on when Login is entered and then
	// received from before the credentials are checked.
	loginGate chan struct{}
	// logoutErr, when set, makes Logout fail and keep the grant.
	logoutErr error
}

func newStubIdentityProvider(c clock.Clock) *stubIdentityProvider {
	return &stubIdentityProvider{
		clock: c,
		ttl:   time.Hour,
		users: map[string]stubUser{
			"alice": {password: "pw-alice", identity: auth.Identity{
				ID: "u-alice", Name: "Alice", Role: auth.RoleShipper,
				Permissions: auth.DefaultPermissions(auth.RoleShipper),
			}},
			"root": {password: "pw-root", otp: "123456", identity: auth.Identity{
				ID: "u-root", Name: "Root", Role: auth.RoleAdmin,
				Permissions: auth.DefaultPermissions(auth.RoleAdmin),
			}},
		},
		grants: make(map[string]*auth.Grant),
	}
}

func (s *stubIdentityProvider) Login(_ context.Context, creds auth.Credentials) (*auth.Grant, error) {
	s.mu.Lock()
	gate := s.loginGate
	s.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loginCalls++
	u, ok := s.users[strings.ToLower(creds.Username)]
	if !ok || u.password != creds.Password {
		return nil, auth.ErrInvalidCredentials
	}
	if u.otp != "" {
		if creds.OTP == "" {
			return nil, auth.ErrOTPRequired
		}
		if creds.OTP != u.otp {
			return nil, auth.ErrInvalidOTP
		}
	}

	s.next++
	now := s.clock.Now()
	g := &auth.Grant{
		SessionID: fmt.Sprintf("sess-%d", s.next),
		Identity:  u.identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.grants[g.SessionID] = g
	cp := *g
	return &cp, nil
}

func (s *stubIdentityProvider) Restore(ctx context.Context, sessionID string) (*auth.Grant, error) {
	if s.restoreGate != nil {
		select {
		case <-s.restoreGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[sessionID]
	if !ok || g.IsExpired(s.clock.Now()) {
		return nil, auth.ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *stubIdentityProvider) Logout(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts = append(s.logouts, sessionID)
	if s.logoutErr != nil {
		return s.logoutErr
	}
	delete(s.grants, sessionID)
	return nil
}

func (s *stubIdentityProvider) setLogoutErr(err error) {
	s.mu.Lock()
	s.logoutErr = err
	s.mu.Unlock()
}

func (s *stubIdentityProvider) setLoginGate(gate chan struct{}) {
	s.mu.Lock()
	s.loginGate = gate
	s.mu.Unlock()
}

func (s *stubIdentityProvider) calls() (logins int, logouts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls, append([]string(nil), s.logouts...)
}

var _ auth.IdentityProvider = (*stubIdentityProvider)(nil)

// --- Recording Presenter ---

type recordingPresenter struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPresenter) add(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *recordingPresenter) Warn(remaining time.Duration) { p.add("warn:" + remaining.String()) }
func (p *recordingPresenter) Countdown(time.Duration)      { p.add("countdown") }
func (p *recordingPresenter) Resume()                      { p.add("resume") }
func (p *recordingPresenter) Expire()                      { p.add("expire") }

func (p *recordingPresenter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// --- Fixture ---

type fixture struct {
	clock     *clocktest.Fake
	idp       *stubIdentityProvider
	limiter   *ratelimit.Limiter
	sanitizer *errsafe.Sanitizer
	stats     *StatsService
	presenter *recordingPresenter
	cfg       Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clocktest.NewFake(epoch)
	store := memory.NewRateLimitStore()
	store.SetClock(fake)
	t.Cleanup(store.Stop)

	return &fixture{
		clock:     fake,
		idp:       newStubIdentityProvider(fake),
		limiter:   ratelimit.NewLimiter(store, ratelimit.WithClock(fake), ratelimit.WithLogger(discardLogger())),
		sanitizer: errsafe.NewSanitizer(errsafe.WithLogger(discardLogger())),
		stats:     NewStatsService(),
		presenter: &recordingPresenter{},
		cfg: Config{
			Session: session.Config{
				IdleTimeout: 2 * time.Minute,
				WarningLead: 30 * time.Second,
			},
			EventBuffer: 256,
		},
	}
}

func (f *fixture) factory() (*SecurityProvider, error) {
	return NewSecurityProvider(f.idp, f.limiter, f.sanitizer, f.cfg,
		WithProviderClock(f.clock),
		WithProviderLogger(discardLogger()),
		WithPresenter(f.presenter),
		WithRecorder(f.stats),
	)
}

func (f *fixture) provider(t *testing.T) *SecurityProvider {
	t.Helper()
	p, err := f.factory()
	if err != nil {
		t.Fatalf("NewSecurityProvider() error: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func drainEvents(ch <-chan session.Event) []session.Event {
	var out []session.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
