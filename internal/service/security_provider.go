package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

// ErrProviderClosed is returned by operations on a closed SecurityProvider.
var ErrProviderClosed = errors.New("security provider closed")

// Named policies. Config.Policies may override any of them.
const (
	PolicyLogin   = "login"
	PolicyOTP     = "otp"
	PolicyBooking = "booking"
)

// anonymousPrincipal scopes rate-limit keys when nobody is signed in.
const anonymousPrincipal = "anonymous"

// DefaultPolicies returns the built-in limits for the named policies.
func DefaultPolicies() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		PolicyLogin:   {MaxAttempts: 5, Window: 15 * time.Minute},
		PolicyOTP:     {MaxAttempts: 5, Window: 5 * time.Minute},
		PolicyBooking: {MaxAttempts: 10, Window: time.Minute},
	}
}

// Config holds per-provider settings.
type Config struct {
	Session  session.Config
	Policies map[string]ratelimit.Policy
	// EventBuffer is the per-subscriber event buffer.
	EventBuffer int
}

func (c Config) normalize() (Config, error) {
	sc, err := c.Session.Normalize()
	if err != nil {
		return c, fmt.Errorf("session config: %w", err)
	}
	c.Session = sc

	policies := DefaultPolicies()
	for name, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return c, fmt.Errorf("policy %q: %w", name, err)
		}
		policies[name] = p
	}
	c.Policies = policies
	return c, nil
}

// SecurityProvider is the trust layer for one browsing context. It owns the
// signed-in identity, the idle monitor and the event broadcaster, and routes
// rate-limit and error-classification calls on behalf of the principal.
//
// A new monitor is created for every login so that the forced logout of an
// expired session can never end a newer one.
type SecurityProvider struct {
	idp       auth.IdentityProvider
	limiter   *ratelimit.Limiter
	sanitizer *errsafe.Sanitizer
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	presenter Presenter
	recorder  Recorder

	events *session.Broadcaster
	wg     sync.WaitGroup

	mu      sync.RWMutex
	loading bool
	grant   *auth.Grant
	monitor *session.Monitor
	closed  bool

	// expiredAt is the UnixNano of the last expiry, or zero.
	expiredAt atomic.Int64
}

// ProviderOption configures a SecurityProvider.
type ProviderOption func(*SecurityProvider)

// WithProviderClock sets the clock used by the provider and its monitors.
func WithProviderClock(c clock.Clock) ProviderOption {
	return func(p *SecurityProvider) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *SecurityProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPresenter sets the presenter. Nil disables presentation.
func WithPresenter(pr Presenter) ProviderOption {
	return func(p *SecurityProvider) {
		p.presenter = pr
	}
}

// WithRecorder sets the decision recorder.
func WithRecorder(r Recorder) ProviderOption {
	return func(p *SecurityProvider) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewSecurityProvider creates a provider in the Unauthenticated state.
// Call Close when the browsing context ends.
func NewSecurityProvider(
	idp auth.IdentityProvider,
	limiter *ratelimit.Limiter,
	sanitizer *errsafe.Sanitizer,
	cfg Config,
	opts ...ProviderOption,
) (*SecurityProvider, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	p := &SecurityProvider{
		idp:       idp,
		limiter:   limiter,
		sanitizer: sanitizer,
		cfg:       cfg,
		clock:     clock.Real{},
		logger:    slog.Default(),
		recorder:  nopRecorder{},
	}
	p.presenter = NewLogPresenter(nil)
	for _, opt := range opts {
		opt(p)
	}
	p.events = session.NewBroadcaster(cfg.EventBuffer, p.logger)

	if p.presenter != nil {
		ch, _ := p.events.Subscribe()
		p.wg.Add(1)
		go p.present(ch)
	}
	return p, nil
}

// present forwards lifecycle events to the presenter until the broadcaster
// is closed.
func (p *SecurityProvider) present(ch <-chan session.Event) {
	defer p.wg.Done()
	for ev := range ch {
		switch ev.Type {
		case session.EventWarning:
			p.presenter.Warn(ev.Remaining)
		case session.EventCountdown:
			p.presenter.Countdown(ev.Remaining)
		case session.EventResumed:
			p.presenter.Resume()
		case session.EventExpired:
			p.presenter.Expire()
		}
	}
}

// Bootstrap restores an existing backend session. The status is Loading
// while the identity provider is consulted. An empty sessionID leaves the
// provider Unauthenticated.
func (p *SecurityProvider) Bootstrap(ctx context.Context, sessionID string) error {
	if err := p.setLoading(true); err != nil {
		return err
	}
	if sessionID == "" {
		_ = p.setLoading(false)
		return nil
	}

	grant, err := p.idp.Restore(ctx, sessionID)
	if err != nil {
		_ = p.setLoading(false)
		return fmt.Errorf("restore session: %w", err)
	}
	return p.begin(ctx, grant)
}

// Login authenticates credentials and starts a monitored session.
//
// Password attempts are limited per username under the login policy;
// attempts carrying a one-time code are additionally limited under the otp
// policy. A successful login clears both counters. Limited attempts return
// a *ratelimit.LimitError without consulting the identity provider.
func (p *SecurityProvider) Login(ctx context.Context, creds auth.Credentials) (*auth.Identity, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" {
		return nil, auth.ErrInvalidCredentials
	}

	loginKey := ratelimit.FormatKey(ratelimit.ScopeLogin, username)
	if err := p.check(ctx, ratelimit.ScopeLogin, loginKey, p.cfg.Policies[PolicyLogin]); err != nil {
		return nil, err
	}
	otpKey := ratelimit.FormatKey(ratelimit.ScopeOTP, username)
	if creds.OTP != "" {
		if err := p.check(ctx, ratelimit.ScopeOTP, otpKey, p.cfg.Policies[PolicyOTP]); err != nil {
			return nil, err
		}
	}

	if err := p.beginLogin(); err != nil {
		return nil, err
	}
	grant, err := p.idp.Login(ctx, creds)
	if err != nil {
		_ = p.setLoading(false)
		p.logger.Info("login rejected", "key", ratelimit.MaskKey(loginKey), "reason", err)
		return nil, err
	}

	for _, key := range []string{loginKey, otpKey} {
		if err := p.limiter.Reset(ctx, key); err != nil {
			p.logger.Warn("failed to reset rate limit after login", "key", ratelimit.MaskKey(key), "error", err)
		}
	}

	if err := p.begin(ctx, grant); err != nil {
		return nil, err
	}
	id := grant.Identity
	return &id, nil
}

// begin installs a fresh monitor for grant, replacing any previous session.
func (p *SecurityProvider) begin(ctx context.Context, grant *auth.Grant) error {
	sessionID := grant.SessionID
	m, err := session.NewMonitor(p.cfg.Session, p.events,
		session.WithClock(p.clock),
		session.WithLogger(p.logger.With("session", ratelimit.HashKey(sessionID))),
		session.WithLogout(func(ctx context.Context) error {
			return p.idp.Logout(ctx, sessionID)
		}),
		session.WithTransitionHook(p.onTransition),
	)
	if err != nil {
		_ = p.setLoading(false)
		return fmt.Errorf("create session monitor: %w", err)
	}

	g := *grant
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		m.Dispose()
		return ErrProviderClosed
	}
	prevMonitor, prevGrant := p.monitor, p.grant
	p.monitor = m
	p.grant = &g
	p.loading = false
	p.expiredAt.Store(0)
	err = m.Start(g.ExpiresAt)
	p.mu.Unlock()

	if prevMonitor != nil {
		prevMonitor.Stop()
		prevMonitor.Dispose()
	}
	if prevGrant != nil && prevGrant.SessionID != sessionID {
		if lerr := p.idp.Logout(ctx, prevGrant.SessionID); lerr != nil {
			p.logger.Warn("failed to end replaced session", "error", lerr)
		}
	}
	if err != nil {
		return fmt.Errorf("start session monitor: %w", err)
	}

	p.logger.Info("session started",
		"session", ratelimit.HashKey(sessionID),
		"identity", g.Identity.ID,
		"role", g.Identity.Role,
	)
	return nil
}

// onTransition runs under the monitor lock and must not touch p.mu.
func (p *SecurityProvider) onTransition(from, to session.State) {
	if to == session.StateExpired {
		p.expiredAt.Store(p.clock.Now().UnixNano())
	}
	p.recorder.SessionTransition(from, to)
}

// beginLogin marks the provider Loading unless it already holds a session,
// which stays in force while the credentials are checked.
func (p *SecurityProvider) beginLogin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	if p.monitor == nil {
		p.loading = true
	}
	return nil
}

func (p *SecurityProvider) setLoading(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	p.loading = v
	return nil
}

// Logout ends the session locally and at the identity provider. The local
// session is gone even if the backend call fails.
func (p *SecurityProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	m, g := p.monitor, p.grant
	p.monitor, p.grant = nil, nil
	p.loading = false
	p.mu.Unlock()

	if m != nil {
		m.Stop()
		m.Dispose()
	}
	if g == nil {
		return nil
	}
	if err := p.idp.Logout(ctx, g.SessionID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	p.logger.Info("session ended", "session", ratelimit.HashKey(g.SessionID))
	return nil
}

// endedSession is what the registry needs to end a backend session after
// the provider is gone.
type endedSession struct {
	expiresAt time.Time
	logout    func(context.Context) error
}

// backendLogout returns the backend logout for the held grant, or nil when
// no grant is held.
func (p *SecurityProvider) backendLogout() *endedSession {
	p.mu.RLock()
	g := p.grant
	p.mu.RUnlock()
	if g == nil {
		return nil
	}
	idp, sessionID := p.idp, g.SessionID
	return &endedSession{
		expiresAt: g.ExpiresAt,
		logout: func(ctx context.Context) error {
			return idp.Logout(ctx, sessionID)
		},
	}
}

// Status returns the current session status.
func (p *SecurityProvider) Status() session.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statusLocked()
}

func (p *SecurityProvider) statusLocked() session.Status {
	switch {
	case p.closed:
		return session.Unauthenticated
	case p.loading:
		return session.Loading
	case p.monitor == nil:
		return session.Unauthenticated
	default:
		return p.monitor.Status()
	}
}

// Identity returns a copy of the signed-in identity, or nil when the
// session is not authenticated (including after expiry).
func (p *SecurityProvider) Identity() *auth.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identityLocked(p.statusLocked())
}

func (p *SecurityProvider) identityLocked(status session.Status) *auth.Identity {
	if p.grant == nil || !status.IsAuthenticated() {
		return nil
	}
	id := p.grant.Identity
	id.Permissions = append([]auth.Permission(nil), id.Permissions...)
	return &id
}

// SessionID returns the backend session ID, or "" when none is held.
func (p *SecurityProvider) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.grant == nil {
		return ""
	}
	return p.grant.SessionID
}

// ExpiredAt returns when the current session expired, or the zero time.
func (p *SecurityProvider) ExpiredAt() time.Time {
	ns := p.expiredAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Authorize decides access for the current principal. Status and identity
// are read together.
func (p *SecurityProvider) Authorize(req auth.Requirement) auth.Decision {
	p.mu.RLock()
	status := p.statusLocked()
	id := p.identityLocked(status)
	p.mu.RUnlock()

	d := auth.AuthorizeIdentity(status, id, req)
	p.recorder.AuthorizeDecision(d)
	return d
}

// RecordActivity forwards a passive activity signal to the monitor.
func (p *SecurityProvider) RecordActivity() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.monitor != nil {
		p.monitor.Activity()
	}
}

// ExtendSession explicitly renews the idle budget.
func (p *SecurityProvider) ExtendSession() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProviderClosed
	}
	if p.monitor == nil {
		return session.ErrNotStarted
	}
	return p.monitor.Extend()
}

// Subscribe returns a channel of lifecycle events and its cancel func. The
// channel is closed by cancel or when the provider is closed.
func (p *SecurityProvider) Subscribe() (<-chan session.Event, func()) {
	return p.events.Subscribe()
}

// Attempt records an attempt at a caller-named action for the current
// principal.
func (p *SecurityProvider) Attempt(ctx context.Context, key string, maxAttempts int, window time.Duration) (ratelimit.Result, error) {
	res, err := p.limiter.Attempt(ctx, p.actionKey(key), maxAttempts, window)
	if err != nil {
		return res, err
	}
	p.recorder.RateLimitDecision(ratelimit.ScopeAction, res.Allowed)
	return res, nil
}

// Reset clears the principal's counter for key.
func (p *SecurityProvider) Reset(ctx context.Context, key string) error {
	return p.limiter.Reset(ctx, p.actionKey(key))
}

// Remaining returns the attempts left for key without recording one.
func (p *SecurityProvider) Remaining(ctx context.Context, key string, maxAttempts int) (int, error) {
	return p.limiter.Remaining(ctx, p.actionKey(key), maxAttempts)
}

// AttemptBooking records a booking submission under the booking policy.
func (p *SecurityProvider) AttemptBooking(ctx context.Context) error {
	key := ratelimit.FormatKey(ratelimit.ScopeBooking, p.principal())
	return p.check(ctx, ratelimit.ScopeBooking, key, p.cfg.Policies[PolicyBooking])
}

// Policy returns the named policy.
func (p *SecurityProvider) Policy(name string) (ratelimit.Policy, bool) {
	pol, ok := p.cfg.Policies[name]
	return pol, ok
}

func (p *SecurityProvider) actionKey(key string) string {
	return ratelimit.FormatKey(ratelimit.ScopeAction, p.principal(), key)
}

func (p *SecurityProvider) principal() string {
	if id := p.Identity(); id != nil && id.ID != "" {
		return id.ID
	}
	return anonymousPrincipal
}

func (p *SecurityProvider) check(ctx context.Context, scope ratelimit.Scope, key string, pol ratelimit.Policy) error {
	err := p.limiter.Check(ctx, key, pol)
	var le *ratelimit.LimitError
	switch {
	case err == nil:
		p.recorder.RateLimitDecision(scope, true)
	case errors.As(err, &le):
		p.recorder.RateLimitDecision(scope, false)
	}
	return err
}

// Classify maps a raw failure to a display-safe classification.
func (p *SecurityProvider) Classify(err error) errsafe.Classification {
	c := p.sanitizer.Classify(err)
	p.recorder.ErrorClassified(c.Kind)
	return c
}

// HandleError classifies err and, when the backend rejected the session,
// forces the monitor into Expired so the forced logout runs.
func (p *SecurityProvider) HandleError(err error) errsafe.Classification {
	c := p.Classify(err)
	if !c.Kind.ForcesLogout() {
		return c
	}

	p.mu.RLock()
	m := p.monitor
	p.mu.RUnlock()
	if m != nil {
		p.logger.Info("backend rejected session; expiring")
		m.Expire()
	}
	return c
}

// Close disposes the monitor, closes every subscriber channel and waits for
// background work. The backend session is left alone; call Logout first to
// end it. Safe to call more than once.
func (p *SecurityProvider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	m := p.monitor
	p.monitor, p.grant = nil, nil
	p.mu.Unlock()

	if m != nil {
		m.Dispose()
	}
	p.events.Close()
	p.wg.Wait()
}
