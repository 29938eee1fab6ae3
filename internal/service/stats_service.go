package service

import (
	"sync"
	"sync/atomic"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed     atomic.Int64
	denied      atomic.Int64
	pending     atomic.Int64
	rateLimited atomic.Int64
	expirations atomic.Int64
	active      atomic.Int64

	// Per-kind and per-scope counters (mutex-protected maps).
	mu          sync.Mutex
	errorCounts map[string]int64
	scopeCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		errorCounts: make(map[string]int64),
		scopeCounts: make(map[string]int64),
	}
}

// SessionTransition counts expirations.
func (s *StatsService) SessionTransition(_, to session.State) {
	if to == session.StateExpired {
		s.expirations.Add(1)
	}
}

// RateLimitDecision counts denied attempts per scope.
func (s *StatsService) RateLimitDecision(scope ratelimit.Scope, allowed bool) {
	if allowed {
		return
	}
	s.rateLimited.Add(1)
	s.mu.Lock()
	s.scopeCounts[string(scope)]++
	s.mu.Unlock()
}

// ErrorClassified increments the counter for the given kind.
func (s *StatsService) ErrorClassified(kind errsafe.Kind) {
	s.mu.Lock()
	s.errorCounts[kind.String()]++
	s.mu.Unlock()
}

// AuthorizeDecision increments the counter matching the outcome.
func (s *StatsService) AuthorizeDecision(d auth.Decision) {
	switch d.Outcome {
	case auth.OutcomeAllow:
		s.allowed.Add(1)
	case auth.OutcomeDeny:
		s.denied.Add(1)
	default:
		s.pending.Add(1)
	}
}

// ActiveSessions stores the current registry size.
func (s *StatsService) ActiveSessions(n int) {
	s.active.Store(int64(n))
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed        int64            `json:"allowed"`
	Denied         int64            `json:"denied"`
	Pending        int64            `json:"pending"`
	RateLimited    int64            `json:"rate_limited"`
	Expirations    int64            `json:"expirations"`
	ActiveSessions int64            `json:"active_sessions"`
	ErrorCounts    map[string]int64 `json:"error_counts"`
	LimitedScopes  map[string]int64 `json:"limited_scopes"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	ec := make(map[string]int64, len(s.errorCounts))
	for k, v := range s.errorCounts {
		ec[k] = v
	}
	sc := make(map[string]int64, len(s.scopeCounts))
	for k, v := range s.scopeCounts {
		sc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:        s.allowed.Load(),
		Denied:         s.denied.Load(),
		Pending:        s.pending.Load(),
		RateLimited:    s.rateLimited.Load(),
		Expirations:    s.expirations.Load(),
		ActiveSessions: s.active.Load(),
		ErrorCounts:    ec,
		LimitedScopes:  sc,
	}
}

// Reset sets all counters to zero. The active session gauge is left alone.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.pending.Store(0)
	s.rateLimited.Store(0)
	s.expirations.Store(0)

	s.mu.Lock()
	s.errorCounts = make(map[string]int64)
	s.scopeCounts = make(map[string]int64)
	s.mu.Unlock()
}

var _ Recorder = (*StatsService)(nil)
