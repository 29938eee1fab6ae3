// Package service composes the session, access, rate-limit and error
// components into the per-context SecurityProvider and its Registry.
package service

import (
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

// Recorder observes security decisions. Implementations must be safe for
// concurrent use and must not block; SessionTransition is called while the
// monitor holds its lock.
type Recorder interface {
	SessionTransition(from, to session.State)
	RateLimitDecision(scope ratelimit.Scope, allowed bool)
	ErrorClassified(kind errsafe.Kind)
	AuthorizeDecision(d auth.Decision)
	ActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionTransition(session.State, session.State) {}
func (nopRecorder) RateLimitDecision(ratelimit.Scope, bool)        {}
func (nopRecorder) ErrorClassified(errsafe.Kind)                   {}
func (nopRecorder) AuthorizeDecision(auth.Decision)                {}
func (nopRecorder) ActiveSessions(int)                             {}

// MultiRecorder fans every observation out to each recorder in order.
type MultiRecorder []Recorder

// SessionTransition implements Recorder.
func (m MultiRecorder) SessionTransition(from, to session.State) {
	for _, r := range m {
		r.SessionTransition(from, to)
	}
}

// RateLimitDecision implements Recorder.
func (m MultiRecorder) RateLimitDecision(scope ratelimit.Scope, allowed bool) {
	for _, r := range m {
		r.RateLimitDecision(scope, allowed)
	}
}

// ErrorClassified implements Recorder.
func (m MultiRecorder) ErrorClassified(kind errsafe.Kind) {
	for _, r := range m {
		r.ErrorClassified(kind)
	}
}

// AuthorizeDecision implements Recorder.
func (m MultiRecorder) AuthorizeDecision(d auth.Decision) {
	for _, r := range m {
		r.AuthorizeDecision(d)
	}
}

// ActiveSessions implements Recorder.
func (m MultiRecorder) ActiveSessions(n int) {
	for _, r := range m {
		r.ActiveSessions(n)
	}
}

var (
	_ Recorder = nopRecorder{}
	_ Recorder = MultiRecorder(nil)
)
