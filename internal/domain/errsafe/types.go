// Package errsafe turns arbitrary failures into messages that are safe to
// show to a principal. Raw backend text only reaches the user after it has
// passed the allowlist and the sensitive-data checks.
package errsafe

import (
	"fmt"
	"strings"
)

// User-facing fixed messages.
const (
	MsgNetworkFailure = "We couldn't reach the server. Check your connection and try again."
	MsgSessionExpired = "Your session has expired. Please sign in again."
	MsgGeneric        = "Something went wrong. Please try again later."
)

// DefaultMaxMessageLength is the longest raw message, in runes, that may be
// shown after cleaning.
const DefaultMaxMessageLength = 200

// Kind classifies a failure.
type Kind int

const (
	// KindUnclassifiedBackendError is the zero value: anything not otherwise
	// recognized. Its message is always cleaned or replaced.
	KindUnclassifiedBackendError Kind = iota
	// KindNetworkFailure means no response reached the client. Retryable.
	KindNetworkFailure
	// KindSessionExpired means the backend rejected the session. The caller
	// forces a logout and does not retry.
	KindSessionExpired
	// KindSafeBackendError means the backend code is allowlisted.
	KindSafeBackendError
)

// String returns the kind in snake case.
func (k Kind) String() string {
	switch k {
	case KindNetworkFailure:
		return "network_failure"
	case KindSessionExpired:
		return "session_expired"
	case KindSafeBackendError:
		return "safe_backend_error"
	case KindUnclassifiedBackendError:
		return "unclassified_backend_error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{KindUnclassifiedBackendError, KindNetworkFailure, KindSessionExpired, KindSafeBackendError} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Retryable reports whether the caller may offer a retry.
func (k Kind) Retryable() bool {
	return k == KindNetworkFailure
}

// ForcesLogout reports whether the caller must end the session.
func (k Kind) ForcesLogout() bool {
	return k == KindSessionExpired
}

// Classification is the sanitized view of a failure.
type Classification struct {
	// DisplayMessage is safe to show verbatim.
	DisplayMessage string `json:"message"`
	// Kind is the failure class.
	Kind Kind `json:"kind"`
	// Code is the allowlisted backend code; set only for KindSafeBackendError.
	Code string `json:"code,omitempty"`
}

// BackendError is a failure reported by (or on the way to) the backend.
// Its Error text is raw and must never be displayed.
type BackendError struct {
	// StatusCode is the HTTP status; 0 when no response was received.
	StatusCode int
	// Code is the backend's machine-readable error code, if any.
	Code string
	// Message is the backend's raw message.
	Message string
	// Network marks a transport failure: the request never got a response.
	Network bool
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("backend error")
	if e.Network {
		b.WriteString(" (network)")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}
