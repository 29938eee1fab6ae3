package service

import (
	"sync"
	"testing"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

func TestStatsService_RecordAndGet(t *testing.T) {
	s := NewStatsService()

	s.AuthorizeDecision(auth.Allow)
	s.AuthorizeDecision(auth.Allow)
	s.AuthorizeDecision(auth.Deny(auth.ReasonInsufficientRole))
	s.AuthorizeDecision(auth.Pending)
	s.RateLimitDecision(ratelimit.ScopeLogin, true)
	s.RateLimitDecision(ratelimit.ScopeLogin, false)
	s.SessionTransition(session.StateActive, session.StateWarning)
	s.SessionTransition(session.StateWarning, session.StateExpired)
	s.ErrorClassified(errsafe.KindNetworkFailure)
	s.ErrorClassified(errsafe.KindNetworkFailure)
	s.ErrorClassified(errsafe.KindUnclassifiedBackendError)
	s.ActiveSessions(4)

	stats := s.GetStats()

	if stats.Allowed != 2 {
		t.Errorf("Allowed = %d, want 2", stats.Allowed)
	}
	if stats.Denied != 1 {
		t.Errorf("Denied = %d, want 1", stats.Denied)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", stats.RateLimited)
	}
	if stats.LimitedScopes["login"] != 1 {
		t.Errorf("LimitedScopes[login] = %d, want 1", stats.LimitedScopes["login"])
	}
	if stats.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", stats.Expirations)
	}
	if stats.ErrorCounts[errsafe.KindNetworkFailure.String()] != 2 {
		t.Errorf("ErrorCounts[network] = %d, want 2", stats.ErrorCounts[errsafe.KindNetworkFailure.String()])
	}
	if stats.ActiveSessions != 4 {
		t.Errorf("ActiveSessions = %d, want 4", stats.ActiveSessions)
	}
}

func TestStatsService_Reset(t *testing.T) {
	s := NewStatsService()

	s.AuthorizeDecision(auth.Allow)
	s.AuthorizeDecision(auth.Deny(auth.ReasonUnauthenticated))
	s.RateLimitDecision(ratelimit.ScopeOTP, false)
	s.ErrorClassified(errsafe.KindSessionExpired)
	s.ActiveSessions(2)

	s.Reset()

	stats := s.GetStats()
	if stats.Allowed != 0 || stats.Denied != 0 || stats.RateLimited != 0 || len(stats.ErrorCounts) != 0 {
		t.Errorf("after Reset, stats should be all zero: got %+v", stats)
	}
	if stats.ActiveSessions != 2 {
		t.Errorf("ActiveSessions = %d, want gauge untouched by Reset", stats.ActiveSessions)
	}
}

func TestStatsService_ConcurrentAccess(t *testing.T) {
	s := NewStatsService()

	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines * 3)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.AuthorizeDecision(auth.Allow)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RateLimitDecision(ratelimit.ScopeBooking, false)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.ErrorClassified(errsafe.KindSafeBackendError)
			}
		}()
	}

	wg.Wait()

	stats := s.GetStats()
	expected := int64(goroutines * opsPerGoroutine)

	if stats.Allowed != expected {
		t.Errorf("Allowed = %d, want %d", stats.Allowed, expected)
	}
	if stats.RateLimited != expected {
		t.Errorf("RateLimited = %d, want %d", stats.RateLimited, expected)
	}
	if stats.LimitedScopes["booking"] != expected {
		t.Errorf("LimitedScopes[booking] = %d, want %d", stats.LimitedScopes["booking"], expected)
	}
	if got := stats.ErrorCounts[errsafe.KindSafeBackendError.String()]; got != expected {
		t.Errorf("ErrorCounts[safe_backend] = %d, want %d", got, expected)
	}
}

func TestStatsService_SnapshotIsIndependent(t *testing.T) {
	s := NewStatsService()
	s.ErrorClassified(errsafe.KindNetworkFailure)

	stats := s.GetStats()
	stats.ErrorCounts["injected"] = 99

	if _, ok := s.GetStats().ErrorCounts["injected"]; ok {
		t.Error("mutating a snapshot leaked into the service")
	}
}

func TestMultiRecorder_FansOut(t *testing.T) {
	a, b := NewStatsService(), NewStatsService()
	m := MultiRecorder{a, b}

	m.AuthorizeDecision(auth.Allow)
	m.SessionTransition(session.StateActive, session.StateExpired)
	m.ActiveSessions(3)

	for i, s := range []*StatsService{a, b} {
		stats := s.GetStats()
		if stats.Allowed != 1 || stats.Expirations != 1 || stats.ActiveSessions != 3 {
			t.Errorf("recorder %d got %+v", i, stats)
		}
	}
}
