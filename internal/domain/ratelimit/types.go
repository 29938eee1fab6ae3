// Package ratelimit provides fixed-window attempt limiting for sensitive
// actions (login, one-time codes, booking submission).
//
// The limiter is a UX and noise-reduction control, not a security boundary:
// a motivated client can bypass it, and the authoritative limit lives in the
// backend.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is the counter state for one key.
type Record struct {
	// Key identifies the limited action.
	Key string `json:"key"`
	// WindowStart is when the current window opened (UTC).
	WindowStart time.Time `json:"window_start"`
	// Count is the number of attempts in the current window.
	Count int `json:"count"`
	// MaxAttempts is the limit the record was last evaluated against.
	MaxAttempts int `json:"max_attempts"`
	// Window is the window duration.
	Window time.Duration `json:"window"`
}

// Elapsed reports whether the record's window has run out at now.
func (r *Record) Elapsed(now time.Time) bool {
	return now.Sub(r.WindowStart) >= r.Window
}

// ResetIn returns the time left in the window at now, never negative.
func (r *Record) ResetIn(now time.Time) time.Duration {
	d := r.Window - now.Sub(r.WindowStart)
	if d < 0 {
		return 0
	}
	return d
}

// ExpiresAt is when the record stops mattering.
func (r *Record) ExpiresAt() time.Time {
	return r.WindowStart.Add(r.Window)
}

// Result contains the result of an attempt.
type Result struct {
	// Allowed indicates whether the attempt may proceed.
	Allowed bool
	// Remaining is the number of attempts left in the current window.
	Remaining int
	// ResetIn is the time until the window resets. Only meaningful when
	// Allowed is false.
	ResetIn time.Duration
}

// Policy is a named limit.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// Validate checks that the policy can be enforced.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// LimitError is returned by callers that refuse an action because its key
// is rate limited. It is recoverable: the caller waits out ResetIn.
type LimitError struct {
	Key     string
	ResetIn time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("too many attempts; retry in %s", e.ResetIn.Round(time.Second))
}

// RetryAfterSeconds rounds ResetIn up to whole seconds for Retry-After.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int((e.ResetIn + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Scope names the family of a limited action.
type Scope string

const (
	// ScopeLogin limits password attempts per username.
	ScopeLogin Scope = "login"
	// ScopeOTP limits one-time code attempts per username.
	ScopeOTP Scope = "otp"
	// ScopeBooking limits booking submissions per principal.
	ScopeBooking Scope = "booking"
	// ScopeAction is any other caller-named action.
	ScopeAction Scope = "action"
	// ScopeAPI limits HTTP API requests per client address.
	ScopeAPI Scope = "api"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{scope}:{part}[:{part}...]"
// Examples:
//   - FormatKey(ScopeLogin, "alice") -> "ratelimit:login:alice"
//   - FormatKey(ScopeAction, "u-1", "export") -> "ratelimit:action:u-1:export"
func FormatKey(scope Scope, parts ...string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(string(scope))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.ToLower(strings.TrimSpace(p)))
	}
	return b.String()
}

// HashKey returns a fixed-width digest of key. Persistent stores use it so
// usernames never land in storage or logs verbatim.
func HashKey(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// MaskKey keeps the scope of a formatted key and hashes the rest, for logs.
func MaskKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return HashKey(key)
	}
	return parts[0] + ":" + parts[1] + ":" + HashKey(parts[2])
}
