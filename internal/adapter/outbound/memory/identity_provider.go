// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// DefaultGrantTTL is the absolute lifetime of an issued session.
const DefaultGrantTTL = 8 * time.Hour

// ErrUserExists is returned when seeding a duplicate username.
var ErrUserExists = errors.New("user already exists")

// User is a statically configured principal.
type User struct {
	// Username is the login name (case-insensitive).
	Username string
	// PasswordHash is an Argon2id PHC hash.
	PasswordHash string
	// TOTPSecret is the base32 secret; empty disables the second factor.
	TOTPSecret string
	// Identity is what the principal becomes once authenticated.
	Identity auth.Identity
}

// IdentityProvider implements auth.IdentityProvider over statically seeded
// users. Grants live in a GrantStore.
// Thread-safe for concurrent access.
type IdentityProvider struct {
	users  map[string]*User
	mu     sync.RWMutex
	grants *GrantStore
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdentityProvider creates an identity provider issuing grants with ttl
// (DefaultGrantTTL when zero).
func NewIdentityProvider(grants *GrantStore, ttl time.Duration, c clock.Clock, logger *slog.Logger) *IdentityProvider {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if grants == nil {
		grants = NewGrantStoreWithConfig(DefaultCleanupInterval, c)
	}
	return &IdentityProvider{
		users:  make(map[string]*User),
		grants: grants,
		clock:  c,
		ttl:    ttl,
		logger: logger,
	}
}

// AddUser seeds a user. Missing permissions default to the role's matrix.
func (p *IdentityProvider) AddUser(u User) error {
	if !u.Identity.Role.IsValid() {
		return fmt.Errorf("user %q: unknown role %q", u.Username, u.Identity.Role)
	}
	if !auth.IsPasswordHash(u.PasswordHash) {
		return fmt.Errorf("user %q: %w", u.Username, auth.ErrUnknownHashType)
	}

	name := normalizeUsername(u.Username)
	if name == "" {
		return errors.New("username must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.users[name]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, name)
	}

	userCopy := u
	if userCopy.Identity.ID == "" {
		userCopy.Identity.ID = name
	}
	if userCopy.Identity.Name == "" {
		userCopy.Identity.Name = u.Username
	}
	if len(userCopy.Identity.Permissions) == 0 {
		userCopy.Identity.Permissions = auth.DefaultPermissions(u.Identity.Role)
	}
	p.users[name] = &userCopy
	return nil
}

// Login authenticates credentials and issues a grant.
func (p *IdentityProvider) Login(ctx context.Context, creds auth.Credentials) (*auth.Grant, error) {
	p.mu.RLock()
	user, ok := p.users[normalizeUsername(creds.Username)]
	p.mu.RUnlock()

	if !ok {
		return nil, auth.ErrInvalidCredentials
	}

	match, err := auth.VerifyPassword(creds.Password, user.PasswordHash)
	if err != nil {
		p.logger.Warn("stored password hash unusable", "user", user.Identity.ID, "error", err)
		return nil, auth.ErrInvalidCredentials
	}
	if !match {
		return nil, auth.ErrInvalidCredentials
	}

	now := p.clock.Now().UTC()

	if user.TOTPSecret != "" {
		if creds.OTP == "" {
			return nil, auth.ErrOTPRequired
		}
		valid, err := totp.ValidateCustom(strings.TrimSpace(creds.OTP), user.TOTPSecret, now, totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !valid {
			return nil, auth.ErrInvalidOTP
		}
	}

	grant := &auth.Grant{
		SessionID: uuid.New().String(),
		Identity:  user.Identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.ttl),
	}
	if err := p.grants.Create(ctx, grant); err != nil {
		return nil, fmt.Errorf("store grant: %w", err)
	}

	p.logger.Info("principal authenticated",
		"identity", user.Identity.ID,
		"role", user.Identity.Role,
		"expires_at", grant.ExpiresAt,
	)
	return copyGrant(grant), nil
}

// Restore returns the live grant for sessionID.
func (p *IdentityProvider) Restore(ctx context.Context, sessionID string) (*auth.Grant, error) {
	if sessionID == "" {
		return nil, auth.ErrGrantNotFound
	}
	return p.grants.Get(ctx, sessionID)
}

// Logout deletes the grant.
func (p *IdentityProvider) Logout(ctx context.Context, sessionID string) error {
	return p.grants.Delete(ctx, sessionID)
}

// Users returns the number of seeded users.
func (p *IdentityProvider) Users() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Compile-time interface verification.
var _ auth.IdentityProvider = (*IdentityProvider)(nil)
