// Package state provides file-based persistence for rate limit counters.
//
// The state file stores one entry per limited key, indexed by the key's
// digest so usernames never reach the disk. This package provides atomic
// writes, file locking, and backup functionality.
package state

import "time"

// SchemaVersion is the current state file schema version.
const SchemaVersion = "1"

// RateLimitState is the top-level structure persisted in the state file.
type RateLimitState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Records maps a key digest to its counter.
	Records map[string]RecordEntry `json:"records"`

	// CreatedAt is when the state file was first created (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the state file was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordEntry is the persisted form of a ratelimit.Record.
type RecordEntry struct {
	// Scope is the non-identifying prefix of the key, kept for operators.
	Scope string `json:"scope,omitempty"`
	// WindowStart is when the window opened (UTC).
	WindowStart time.Time `json:"window_start"`
	// Count is the number of attempts in the window.
	Count int `json:"count"`
	// MaxAttempts is the limit last applied.
	MaxAttempts int `json:"max_attempts"`
	// WindowMs is the window length in milliseconds.
	WindowMs int64 `json:"window_ms"`
}

// Window returns the window as a duration.
func (e RecordEntry) Window() time.Duration {
	return time.Duration(e.WindowMs) * time.Millisecond
}

// Elapsed reports whether the window ended before now.
func (e RecordEntry) Elapsed(now time.Time) bool {
	return now.Sub(e.WindowStart) >= e.Window()
}
