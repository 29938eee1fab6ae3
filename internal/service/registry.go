package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

// ErrSessionNotFound is returned when no live provider holds a session ID.
var ErrSessionNotFound = errors.New("session not found")

// Registry defaults.
const (
	DefaultExpiredRetention = time.Minute
	DefaultReapInterval     = 15 * time.Second

	// endSessionTimeout bounds each retried backend logout.
	endSessionTimeout = 5 * time.Second
)

// ProviderFactory builds a fresh, unauthenticated SecurityProvider.
type ProviderFactory func() (*SecurityProvider, error)

// Registry maps backend session IDs to their SecurityProvider for the HTTP
// surface. It is safe for concurrent use.
//
// A provider is dropped on logout, and by the reaper once it has been
// Expired for longer than the retention (so clients can still observe the
// Expired status) or has fallen back to Unauthenticated.
//
// Dropping an expired provider leaves a tombstone for its session ID. Resume
// refuses tombstoned IDs, so a backend grant that outlived a failed logout
// cannot bring the session back without a new login. The reaper retries the
// backend logout and forgets the tombstone once the logout succeeds or the
// grant's absolute expiry has passed.
type Registry struct {
	factory   ProviderFactory
	clock     clock.Clock
	logger    *slog.Logger
	recorder  Recorder
	retention time.Duration
	interval  time.Duration

	mu        sync.RWMutex
	providers map[string]*SecurityProvider
	ended     map[string]tombstone

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// tombstone marks a session that ended without a confirmed backend logout.
type tombstone struct {
	// until is the grant's absolute expiry; zero means none.
	until  time.Time
	logout func(context.Context) error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for expiry retention.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryRecorder sets the recorder that receives the session gauge.
func WithRegistryRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithRetention sets how long an expired provider is kept.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithReapInterval sets the reaper period.
func WithReapInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(factory ProviderFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:   factory,
		clock:     clock.Real{},
		logger:    slog.Default(),
		recorder:  nopRecorder{},
		retention: DefaultExpiredRetention,
		interval:  DefaultReapInterval,
		providers: make(map[string]*SecurityProvider),
		ended:     make(map[string]tombstone),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Login authenticates creds on a new provider and registers it under the
// issued session ID.
func (r *Registry) Login(ctx context.Context, creds auth.Credentials) (*SecurityProvider, error) {
	p, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	if _, err := p.Login(ctx, creds); err != nil {
		p.Close()
		return nil, err
	}

	sessionID := p.SessionID()
	r.mu.Lock()
	prev := r.providers[sessionID]
	r.providers[sessionID] = p
	n := len(r.providers)
	r.mu.Unlock()
	r.recorder.ActiveSessions(n)

	if prev != nil {
		prev.Close()
	}
	return p, nil
}

// Get returns the provider registered under sessionID.
func (r *Registry) Get(sessionID string) (*SecurityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[sessionID]
	return p, ok
}

// Resume returns the registered provider for sessionID, bootstrapping a new
// one from the identity provider when none is registered. It returns
// ErrSessionNotFound when the identity provider does not know the session
// or the session ended here and is tombstoned.
func (r *Registry) Resume(ctx context.Context, sessionID string) (*SecurityProvider, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	r.mu.RLock()
	p, ok := r.providers[sessionID]
	_, dead := r.ended[sessionID]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if dead {
		return nil, ErrSessionNotFound
	}

	p, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	if err = p.Bootstrap(ctx, sessionID); err != nil {
		p.Close()
		if errors.Is(err, auth.ErrGrantNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !p.Status().IsAuthenticated() {
		p.Close()
		return nil, ErrSessionNotFound
	}

	r.mu.Lock()
	if existing, ok := r.providers[sessionID]; ok {
		r.mu.Unlock()
		p.Close()
		return existing, nil
	}
	if _, dead := r.ended[sessionID]; dead {
		r.mu.Unlock()
		p.Close()
		return nil, ErrSessionNotFound
	}
	r.providers[sessionID] = p
	n := len(r.providers)
	r.mu.Unlock()
	r.recorder.ActiveSessions(n)

	r.logger.Debug("session resumed", "session", ratelimit.HashKey(sessionID))
	return p, nil
}

// Logout ends the session and drops its provider. Logging out an unknown
// session is not an error.
func (r *Registry) Logout(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	p, ok := r.providers[sessionID]
	delete(r.providers, sessionID)
	n := len(r.providers)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.recorder.ActiveSessions(n)

	end := p.backendLogout()
	err := p.Logout(ctx)
	p.Close()
	if err != nil && end != nil {
		r.bury(sessionID, end)
	}
	return err
}

// bury records a tombstone for sessionID.
func (r *Registry) bury(sessionID string, end *endedSession) {
	r.mu.Lock()
	r.ended[sessionID] = tombstone{until: end.expiresAt, logout: end.logout}
	r.mu.Unlock()
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// StartCleanup starts the background reaper.
// It stops when ctx is cancelled or Stop() is called.
func (r *Registry) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup drops providers that no longer hold a live session and retries
// the backend logout of tombstoned sessions.
func (r *Registry) cleanup() {
	now := r.clock.Now()
	var dropped []*SecurityProvider

	r.mu.Lock()
	for id, p := range r.providers {
		status := p.Status()
		switch status.Kind {
		case session.KindUnauthenticated:
		case session.KindExpired:
			if at := p.ExpiredAt(); !at.IsZero() && now.Sub(at) < r.retention {
				continue
			}
			if end := p.backendLogout(); end != nil {
				r.ended[id] = tombstone{until: end.expiresAt, logout: end.logout}
			}
		default:
			continue
		}
		delete(r.providers, id)
		dropped = append(dropped, p)
	}
	n := len(r.providers)
	r.mu.Unlock()

	if len(dropped) > 0 {
		r.recorder.ActiveSessions(n)
		for _, p := range dropped {
			p.Close()
		}
		r.logger.Debug("session registry cleanup completed",
			"dropped", len(dropped),
			"remaining", n)
	}
	r.sweepTombstones(now)
}

// sweepTombstones retries backend logouts and forgets tombstones whose
// session can no longer be restored.
func (r *Registry) sweepTombstones(now time.Time) {
	r.mu.RLock()
	pending := make(map[string]tombstone, len(r.ended))
	for id, ts := range r.ended {
		pending[id] = ts
	}
	r.mu.RUnlock()

	for id, ts := range pending {
		if ts.until.IsZero() || now.Before(ts.until) {
			ctx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
			err := ts.logout(ctx)
			cancel()
			if err != nil {
				r.logger.Warn("backend logout of ended session failed",
					"session", ratelimit.HashKey(id), "error", err)
				continue
			}
		}
		r.mu.Lock()
		delete(r.ended, id)
		r.mu.Unlock()
	}
}

// Tombstones returns the number of ended sessions still refused by Resume.
func (r *Registry) Tombstones() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ended)
}

// Stop stops the reaper and closes every registered provider. Backend
// sessions are left alone so they can be resumed by another process.
// Safe to call multiple times.
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()

	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]*SecurityProvider)
	r.mu.Unlock()

	for _, p := range providers {
		p.Close()
	}
	r.recorder.ActiveSessions(0)
}
