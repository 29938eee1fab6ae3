package auth

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for identity provider operations.
var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	// The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOTPRequired is returned when the password was correct but the
	// account requires a one-time code that was not supplied.
	ErrOTPRequired = errors.New("one-time code required")
	// ErrInvalidOTP is returned for a wrong or expired one-time code.
	ErrInvalidOTP = errors.New("invalid one-time code")
	// ErrGrantNotFound is returned when a session ID is unknown or expired.
	ErrGrantNotFound = errors.New("session grant not found")
)

// Credentials are supplied by the principal at login. They are never logged.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// OTP is the optional time-based one-time code.
	OTP string `json:"otp,omitempty"`
}

// Grant is an authenticated session issued by the identity provider.
type Grant struct {
	// SessionID identifies the backend session.
	SessionID string
	// Identity is the authenticated principal.
	Identity Identity
	// IssuedAt is when the grant was created (UTC).
	IssuedAt time.Time
	// ExpiresAt is the absolute backend expiry (UTC); zero means none.
	ExpiresAt time.Time
}

// IsExpired reports whether the grant's absolute expiry has passed.
func (g *Grant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// IdentityProvider issues and validates sessions. This interface is defined
// in the domain to avoid circular imports.
// Implementations: in-memory with static identities (memory package).
type IdentityProvider interface {
	// Login authenticates credentials and issues a new grant.
	// Returns ErrInvalidCredentials, ErrOTPRequired or ErrInvalidOTP.
	Login(ctx context.Context, creds Credentials) (*Grant, error)

	// Restore returns the live grant for a session ID.
	// Returns ErrGrantNotFound if the session is unknown or expired.
	Restore(ctx context.Context, sessionID string) (*Grant, error)

	// Logout ends the session. Logging out an unknown session is not an error.
	Logout(ctx context.Context, sessionID string) error
}
