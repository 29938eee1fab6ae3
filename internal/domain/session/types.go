// Package session tracks idle time for an authenticated browsing context and
// drives the warning / expiry lifecycle of the session.
package session

import (
	"fmt"
	"time"
)

// Default lifecycle parameters.
const (
	// DefaultIdleTimeout is the inactivity budget before a session expires.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultWarningLead is how long before expiry the warning is raised.
	DefaultWarningLead = 1 * time.Minute
	// DefaultCheckInterval is the period of the idle check (1 Hz).
	DefaultCheckInterval = 1 * time.Second
)

// State is the monitor's lifecycle state.
type State int

const (
	// StateActive means the session is within its idle budget.
	StateActive State = iota
	// StateWarning means the session will expire within the warning lead.
	StateWarning
	// StateExpired is terminal until a new session is started.
	StateExpired
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Kind enumerates the session status values seen by the rest of the
// application. Exactly one kind holds at any instant.
type Kind int

const (
	// KindLoading is only reported while the session is bootstrapping.
	KindLoading Kind = iota
	// KindUnauthenticated means no principal is signed in.
	KindUnauthenticated
	// KindAuthenticated means a principal is signed in and active.
	KindAuthenticated
	// KindWarning is still authenticated, with expiry imminent.
	KindWarning
	// KindExpired means the session was ended by the idle timeout.
	KindExpired
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthenticated:
		return "authenticated"
	case KindWarning:
		return "warning"
	case KindExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Status is the tagged session status. Remaining is only meaningful for
// KindWarning.
type Status struct {
	Kind      Kind
	Remaining time.Duration
}

// Convenience constructors for the payload-free kinds.
var (
	Loading         = Status{Kind: KindLoading}
	Unauthenticated = Status{Kind: KindUnauthenticated}
	Authenticated   = Status{Kind: KindAuthenticated}
	Expired         = Status{Kind: KindExpired}
)

// Warning returns a warning status carrying the time left.
func Warning(remaining time.Duration) Status {
	return Status{Kind: KindWarning, Remaining: remaining}
}

// IsAuthenticated reports whether the status still grants an authenticated
// principal (Authenticated or Warning).
func (s Status) IsAuthenticated() bool {
	return s.Kind == KindAuthenticated || s.Kind == KindWarning
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s.Kind == KindWarning {
		return fmt.Sprintf("warning(%s)", s.Remaining)
	}
	return s.Kind.String()
}

// EventType names a lifecycle signal.
type EventType string

const (
	// EventWarning is emitted once on the Active -> Warning transition.
	EventWarning EventType = "warning"
	// EventCountdown is emitted by every check while in Warning.
	EventCountdown EventType = "countdown"
	// EventResumed is emitted when activity or an extension cancels a warning.
	EventResumed EventType = "resumed"
	// EventExpired is emitted once on the transition to Expired.
	EventExpired EventType = "expired"
)

// Event is a lifecycle signal published on the Broadcaster.
type Event struct {
	Type      EventType     `json:"type"`
	Remaining time.Duration `json:"-"`
	// RemainingMs mirrors Remaining for JSON consumers.
	RemainingMs int64     `json:"remaining_ms,omitempty"`
	At          time.Time `json:"at"`
}

func newEvent(t EventType, remaining time.Duration, at time.Time) Event {
	if remaining < 0 {
		remaining = 0
	}
	return Event{
		Type:        t,
		Remaining:   remaining,
		RemainingMs: remaining.Milliseconds(),
		At:          at,
	}
}

// Config holds monitor parameters.
type Config struct {
	// IdleTimeout is the inactivity budget. Default: 10 minutes.
	IdleTimeout time.Duration
	// WarningLead is how long before expiry to warn. Must be < IdleTimeout.
	// Default: 1 minute.
	WarningLead time.Duration
	// CheckInterval is the idle check period; values above 1s are clamped
	// to 1s. Default: 1 second.
	CheckInterval time.Duration
}

// Normalize fills zero fields, clamps the check interval and validates the
// relationship between the durations.
func (c Config) Normalize() (Config, error) {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WarningLead <= 0 {
		c.WarningLead = DefaultWarningLead
	}
	if c.CheckInterval <= 0 || c.CheckInterval > DefaultCheckInterval {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.WarningLead >= c.IdleTimeout {
		return c, fmt.Errorf("warning lead %s must be shorter than idle timeout %s", c.WarningLead, c.IdleTimeout)
	}
	return c, nil
}
