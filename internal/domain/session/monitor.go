package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
)

// logoutTimeout bounds the fire-and-forget forced logout.
const logoutTimeout = 10 * time.Second

var (
	// ErrSessionExpired is returned when extending a session that already
	// expired; the principal must authenticate again.
	ErrSessionExpired = errors.New("session expired; re-authentication required")
	// ErrNotStarted is returned when no session has been started.
	ErrNotStarted = errors.New("session not started")
	// ErrDisposed is returned once the monitor has been torn down.
	ErrDisposed = errors.New("session monitor disposed")
)

// LogoutFunc ends the session at the identity provider.
type LogoutFunc func(ctx context.Context) error

// TransitionFunc observes state transitions. It runs while the monitor lock
// is held and must not call back into the monitor.
type TransitionFunc func(from, to State)

// Monitor is the idle-timeout state machine for one browsing context.
//
// All handlers (Activity, Extend, Tick and the scheduled check) are
// serialized on one mutex. Every reschedule bumps a generation counter, so
// a check that was already in flight when activity arrived is discarded:
// activity always wins over a pending expiry.
type Monitor struct {
	cfg          Config
	clock        clock.Clock
	events       *Broadcaster
	logout       LogoutFunc
	onTransition TransitionFunc
	logger       *slog.Logger

	mu           sync.Mutex
	state        State
	started      bool
	disposed     bool
	lastActivity time.Time
	timer        clock.Timer
	generation   uint64

	wg sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source. Default: clock.Real.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLogout sets the forced-logout call issued on expiry.
func WithLogout(fn LogoutFunc) Option {
	return func(m *Monitor) {
		m.logout = fn
	}
}

// WithTransitionHook registers a transition observer.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(m *Monitor) {
		m.onTransition = fn
	}
}

// NewMonitor creates a Monitor that publishes on events.
func NewMonitor(cfg Config, events *Broadcaster, opts ...Option) (*Monitor, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if events == nil {
		return nil, errors.New("session monitor requires a broadcaster")
	}

	m := &Monitor{
		cfg:    cfg,
		clock:  clock.Real{},
		events: events,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Start begins a new session in the Active state. It is valid from any
// state, including Expired (a new login).
//
// seedExpiry is the backend's absolute session expiry, or the zero time.
// When it falls within one idle timeout, the initial last-activity time is
// back-dated so the monitor never outlives the backend session.
func (m *Monitor) Start(seedExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ErrDisposed
	}

	now := m.clock.Now()
	m.lastActivity = now
	if !seedExpiry.IsZero() && seedExpiry.Sub(now) < m.cfg.IdleTimeout {
		m.lastActivity = seedExpiry.Add(-m.cfg.IdleTimeout)
	}

	prev := m.state
	m.started = true
	m.state = StateActive
	if prev != StateActive {
		m.transitionLocked(prev, StateActive)
	}

	m.logger.Info("session monitor started",
		"idle_timeout", m.cfg.IdleTimeout,
		"warning_lead", m.cfg.WarningLead,
		"remaining", m.remainingLocked(now),
	)

	m.rescheduleLocked()
	m.checkLocked(now)
	return nil
}

// Activity records user activity. In Active or Warning it resets the idle
// budget, returns the monitor to Active and cancels the pending check. It
// is ignored before Start, after expiry and after Dispose.
func (m *Monitor) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || !m.started || m.state == StateExpired {
		return
	}
	m.bumpLocked()
}

// Extend explicitly renews the session. It has the same effect as
// Activity but reports why nothing happened.
func (m *Monitor) Extend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.disposed:
		return ErrDisposed
	case !m.started:
		return ErrNotStarted
	case m.state == StateExpired:
		return ErrSessionExpired
	}

	m.bumpLocked()
	m.logger.Info("session extended", "idle_timeout", m.cfg.IdleTimeout)
	return nil
}

// Tick runs the idle check immediately. The scheduled check calls the same
// logic; Tick exists for callers that drive the monitor themselves.
func (m *Monitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || !m.started || m.state == StateExpired {
		return
	}
	m.checkLocked(m.clock.Now())
}

// Expire forces the Expired state now, for example when the backend has
// already rejected the session. It is a no-op unless a session is live.
func (m *Monitor) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || !m.started || m.state == StateExpired {
		return
	}
	m.expireLocked(m.clock.Now())
}

// Stop ends the session without an expiry signal (explicit logout). All
// scheduled checks are cancelled before Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.started = false
	m.state = StateActive
}

// Dispose tears the monitor down. Timers are cancelled synchronously, no
// event is published afterwards, and Dispose waits for an in-flight forced
// logout to return. Safe to call multiple times.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	if !m.disposed {
		m.disposed = true
		m.cancelLocked()
		m.started = false
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Started reports whether a session is being monitored.
func (m *Monitor) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Status maps the lifecycle state onto the application-wide status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return Unauthenticated
	}
	switch m.state {
	case StateActive:
		return Authenticated
	case StateWarning:
		return Warning(m.remainingLocked(m.clock.Now()))
	default:
		return Expired
	}
}

// Remaining returns the idle budget left, never negative.
func (m *Monitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.state == StateExpired {
		return 0
	}
	return m.remainingLocked(m.clock.Now())
}

// LastActivity returns the last recorded activity time.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Monitor) remainingLocked(now time.Time) time.Duration {
	remaining := m.cfg.IdleTimeout - now.Sub(m.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// bumpLocked resets the idle budget and forces Active.
func (m *Monitor) bumpLocked() {
	now := m.clock.Now()
	m.lastActivity = now

	if m.state == StateWarning {
		m.state = StateActive
		m.transitionLocked(StateWarning, StateActive)
		m.events.Publish(newEvent(EventResumed, m.cfg.IdleTimeout, now))
		m.logger.Info("session warning cancelled by activity")
	}

	m.rescheduleLocked()
}

// rescheduleLocked cancels the pending check and arms a new one under a
// new generation.
func (m *Monitor) rescheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.armLocked(m.generation)
}

func (m *Monitor) armLocked(gen uint64) {
	m.timer = m.clock.AfterFunc(m.cfg.CheckInterval, func() {
		m.onCheck(gen)
	})
}

// onCheck is the scheduled check callback.
func (m *Monitor) onCheck(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || !m.started || gen != m.generation || m.state == StateExpired {
		return
	}
	m.timer = nil
	m.checkLocked(m.clock.Now())
	if m.state != StateExpired {
		m.armLocked(gen)
	}
}

// checkLocked evaluates the idle budget. It never mutates lastActivity.
func (m *Monitor) checkLocked(now time.Time) {
	remaining := m.cfg.IdleTimeout - now.Sub(m.lastActivity)

	switch m.state {
	case StateActive:
		if remaining > m.cfg.WarningLead {
			return
		}
		m.state = StateWarning
		m.transitionLocked(StateActive, StateWarning)
		m.events.Publish(newEvent(EventWarning, remaining, now))
		m.logger.Warn("session about to expire", "remaining", clampZero(remaining))
		if remaining <= 0 {
			m.expireLocked(now)
		}

	case StateWarning:
		if remaining <= 0 {
			m.expireLocked(now)
			return
		}
		m.events.Publish(newEvent(EventCountdown, remaining, now))
	}
}

// expireLocked enters the terminal state: cancels every check, publishes
// the single expiry event and fires the forced logout.
func (m *Monitor) expireLocked(now time.Time) {
	prev := m.state
	m.state = StateExpired
	m.cancelLocked()
	m.transitionLocked(prev, StateExpired)
	m.events.Publish(newEvent(EventExpired, 0, now))
	m.logger.Warn("session expired after inactivity", "idle_timeout", m.cfg.IdleTimeout)

	if m.logout == nil {
		return
	}
	logout := m.logout
	logger := m.logger
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if err := logout(ctx); err != nil {
			// The local lock stands even if the backend did not end the session.
			logger.Warn("forced logout failed", "error", err)
			return
		}
		logger.Debug("forced logout completed")
	}()
}

func (m *Monitor) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
}

func (m *Monitor) transitionLocked(from, to State) {
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
