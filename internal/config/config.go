// Package config provides configuration types for the trust gateway.
//
// Configuration is file-based (trustgate.yaml) with environment overrides.
// Identities are static: passwords are stored as Argon2id hashes and the
// optional second factor as a base32 TOTP secret.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Session configures the idle lifecycle.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// RateLimit configures the attempt store and named policies.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Errors configures the error sanitizer.
	Errors ErrorsConfig `yaml:"errors" mapstructure:"errors"`

	// Auth configures the static identities.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Upstream lists the portal backends served behind the route guard.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Routes gate application path prefixes. Unlisted paths are public.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive"`

	// DevMode enables development features (verbose logging, a default admin).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json". Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// AllowedOrigins are the browser origins accepted on cross-origin requests.
	// Empty blocks every request carrying an Origin header.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`
	// TrustedProxies are CIDRs whose X-Forwarded-For headers are believed.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// CookieName names the session cookie. Defaults to "trustgate_session".
	CookieName string `yaml:"cookie_name" mapstructure:"cookie_name" validate:"omitempty,printascii,excludesall= ;=0x2C"`

	// CookieSecure forces the Secure attribute behind a TLS-terminating proxy.
	CookieSecure bool `yaml:"cookie_secure" mapstructure:"cookie_secure"`
}

// SessionConfig configures the idle lifecycle. Durations use Go syntax
// ("10m", "90s").
type SessionConfig struct {
	// IdleTimeout is the inactivity budget. Defaults to "10m".
	IdleTimeout string `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"omitempty,duration"`

	// WarningLead is how long before expiry the warning is raised.
	// Must be shorter than IdleTimeout. Defaults to "1m".
	WarningLead string `yaml:"warning_lead" mapstructure:"warning_lead" validate:"omitempty,duration"`

	// CheckInterval is the idle check period, capped at 1s. Defaults to "1s".
	CheckInterval string `yaml:"check_interval" mapstructure:"check_interval" validate:"omitempty,duration"`

	// AbsoluteTTL is the backend session lifetime regardless of activity.
	// Defaults to "8h".
	AbsoluteTTL string `yaml:"absolute_ttl" mapstructure:"absolute_ttl" validate:"omitempty,duration"`

	// ExpiredRetention is how long an expired session still reports
	// "expired" before it is forgotten. Defaults to "1m".
	ExpiredRetention string `yaml:"expired_retention" mapstructure:"expired_retention" validate:"omitempty,duration"`

	// EventBuffer is the per-subscriber lifecycle event buffer.
	// Defaults to 16.
	EventBuffer int `yaml:"event_buffer" mapstructure:"event_buffer" validate:"omitempty,min=1"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Store selects the attempt store:
	//   memory://                  in-process (default)
	//   file:///abs/path.json      JSON file shared by processes on one host
	//   sqlite:///abs/path.db      SQLite database
	//   redis://host:port/db       Redis, shared by every instance
	Store string `yaml:"store" mapstructure:"store" validate:"required,store_url"`

	// CleanupInterval is how often the memory and sqlite stores prune
	// finished windows (e.g., "5m"). Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is the maximum age of an in-memory record before removal.
	// Defaults to "1h".
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`

	// Policies override the named limits: login, otp, booking and api.
	Policies map[string]PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// DisableAPI turns off the per-IP throttle on /api/ (300 per minute
	// unless an "api" policy is configured).
	DisableAPI bool `yaml:"disable_api" mapstructure:"disable_api"`
}

// PolicyConfig is a named limit.
type PolicyConfig struct {
	// MaxAttempts is the number of attempts allowed per window.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"required,min=1"`

	// Window is the fixed window length (e.g., "15m").
	Window string `yaml:"window" mapstructure:"window" validate:"required,duration"`
}

// ErrorsConfig configures the error sanitizer.
type ErrorsConfig struct {
	// Codes extends the built-in allowlist: backend code → display message.
	Codes map[string]string `yaml:"codes" mapstructure:"codes" validate:"omitempty,dive,keys,required,endkeys,required"`

	// CatalogFile is an optional YAML file with further allowlisted codes
	// in the same format as the built-in catalog.
	CatalogFile string `yaml:"catalog_file" mapstructure:"catalog_file" validate:"omitempty,filepath"`

	// MaxMessageLength caps unclassified messages shown verbatim.
	// Defaults to 200.
	MaxMessageLength int `yaml:"max_message_length" mapstructure:"max_message_length" validate:"omitempty,min=20"`
}

// AuthConfig configures the static identities.
type AuthConfig struct {
	// Identities defines the principals that may sign in.
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`
}

// IdentityConfig defines a principal.
type IdentityConfig struct {
	// Username is the login name (case-insensitive).
	Username string `yaml:"username" mapstructure:"username" validate:"required"`

	// ID is the stable identifier. Defaults to the username.
	ID string `yaml:"id" mapstructure:"id"`

	// Name is the display name. Defaults to the username.
	Name string `yaml:"name" mapstructure:"name"`

	// PasswordHash is an Argon2id PHC string (see `trustgate hash-password`).
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash" validate:"required,startswith=$argon2id$"`

	// TOTPSecret is the base32 secret for the second factor
	// (see `trustgate totp-secret`). Empty disables it.
	TOTPSecret string `yaml:"totp_secret" mapstructure:"totp_secret" validate:"omitempty,base32"`

	// Role is one of admin, operator, shipper, carrier, viewer.
	Role string `yaml:"role" mapstructure:"role" validate:"required,role"`

	// Permissions override the role's default permissions when set.
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"omitempty,dive,permission"`
}

// RouteConfig gates a path prefix.
type RouteConfig struct {
	// Prefix matches whole path segments ("/bookings" covers "/bookings/42").
	Prefix string `yaml:"prefix" mapstructure:"prefix" validate:"required,startswith=/"`

	// Roles: the principal must hold one of them. Empty means any role.
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"omitempty,dive,role"`

	// Permissions: the principal must hold all of them.
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"omitempty,dive,permission"`
}

// UpstreamConfig configures the portal proxy.
type UpstreamConfig struct {
	// Timeout bounds each upstream request. Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// Targets are matched by longest path prefix. Without targets, guarded
	// requests that pass get a 404.
	Targets []UpstreamTargetConfig `yaml:"targets" mapstructure:"targets" validate:"omitempty,dive"`
}

// UpstreamTargetConfig is one portal backend.
type UpstreamTargetConfig struct {
	// PathPrefix is the URL path prefix to match (e.g., "/").
	PathPrefix string `yaml:"path_prefix" mapstructure:"path_prefix" validate:"required,startswith=/"`

	// URL is the backend base URL (e.g., "http://127.0.0.1:3000").
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// StripPrefix removes PathPrefix before forwarding.
	StripPrefix bool `yaml:"strip_prefix" mapstructure:"strip_prefix"`

	// Headers are added to every forwarded request.
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
// devPasswordHash must be an Argon2id hash; the caller prints the password.
func (c *Config) SetDevDefaults(devPasswordHash string) {
	if !c.DevMode {
		return
	}

	if len(c.Auth.Identities) == 0 && devPasswordHash != "" {
		c.Auth.Identities = []IdentityConfig{
			{
				Username:     "dev",
				Name:         "Development User",
				PasswordHash: devPasswordHash,
				Role:         string(auth.RoleAdmin),
			},
		}
	}

	c.Server.LogLevel = "debug"
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults bind to localhost only.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.CookieName == "" {
		c.Server.CookieName = "trustgate_session"
	}

	// Session defaults
	if c.Session.IdleTimeout == "" {
		c.Session.IdleTimeout = session.DefaultIdleTimeout.String()
	}
	if c.Session.WarningLead == "" {
		c.Session.WarningLead = session.DefaultWarningLead.String()
	}
	if c.Session.CheckInterval == "" {
		c.Session.CheckInterval = session.DefaultCheckInterval.String()
	}
	if c.Session.AbsoluteTTL == "" {
		c.Session.AbsoluteTTL = "8h"
	}
	if c.Session.ExpiredRetention == "" {
		c.Session.ExpiredRetention = "1m"
	}
	if c.Session.EventBuffer == 0 {
		c.Session.EventBuffer = session.DefaultSubscriberBuffer
	}

	// Rate limit defaults
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory://"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
	if _, ok := c.RateLimit.Policies[PolicyAPI]; !ok && !c.RateLimit.DisableAPI {
		if c.RateLimit.Policies == nil {
			c.RateLimit.Policies = make(map[string]PolicyConfig)
		}
		c.RateLimit.Policies[PolicyAPI] = PolicyConfig{MaxAttempts: 300, Window: "1m"}
	}

	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "30s"
	}

	// Error defaults
	if c.Errors.MaxMessageLength == 0 {
		c.Errors.MaxMessageLength = 200
	}
}

// PolicyAPI names the per-IP throttle on /api/.
const PolicyAPI = "api"

// SessionSettings returns the monitor configuration.
func (c *Config) SessionSettings() (session.Config, error) {
	idle, err := parseDuration("session.idle_timeout", c.Session.IdleTimeout)
	if err != nil {
		return session.Config{}, err
	}
	lead, err := parseDuration("session.warning_lead", c.Session.WarningLead)
	if err != nil {
		return session.Config{}, err
	}
	check, err := parseDuration("session.check_interval", c.Session.CheckInterval)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{IdleTimeout: idle, WarningLead: lead, CheckInterval: check}.Normalize()
}

// Duration parses a validated duration field, returning fallback when empty.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// TrustedProxyPrefixes parses TrustedProxies.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, cidr := range s.TrustedProxies {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// RateLimitPolicies returns the configured named policies.
func (c *Config) RateLimitPolicies() (map[string]ratelimit.Policy, error) {
	out := make(map[string]ratelimit.Policy, len(c.RateLimit.Policies))
	for name, pc := range c.RateLimit.Policies {
		window, err := parseDuration("rate_limit.policies."+name+".window", pc.Window)
		if err != nil {
			return nil, err
		}
		p := ratelimit.Policy{MaxAttempts: pc.MaxAttempts, Window: window}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rate_limit.policies.%s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// Identity converts the entry to a domain identity. Missing permissions are
// left empty so the role's defaults apply.
func (i IdentityConfig) Identity() auth.Identity {
	id := auth.Identity{
		ID:   i.ID,
		Name: i.Name,
		Role: auth.Role(i.Role),
	}
	for _, p := range i.Permissions {
		id.Permissions = append(id.Permissions, auth.Permission(p))
	}
	return id
}

// Requirement converts the route's roles and permissions.
func (r RouteConfig) Requirement() (auth.Requirement, error) {
	var req auth.Requirement
	for _, s := range r.Roles {
		role, err := auth.ParseRole(s)
		if err != nil {
			return req, fmt.Errorf("route %s: %w", r.Prefix, err)
		}
		req.Roles = append(req.Roles, role)
	}
	for _, s := range r.Permissions {
		perm, err := auth.ParsePermission(s)
		if err != nil {
			return req, fmt.Errorf("route %s: %w", r.Prefix, err)
		}
		req.Permissions = append(req.Permissions, perm)
	}
	return req, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}
