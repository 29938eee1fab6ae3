package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"store_url":  validateStoreURL,
		"duration":   validateDuration,
		"role":       validateRole,
		"permission": validatePermission,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateStoreURL validates the rate limit store location.
// Valid values: "memory://", "file:///<abs>", "sqlite:///<abs>",
// "redis://host[:port][/db]" and "rediss://...".
func validateStoreURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "memory://" {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "file", "sqlite":
		return u.Host == "" && u.Path != "" && filepath.IsAbs(u.Path)
	case "redis", "rediss":
		return u.Host != ""
	default:
		return false
	}
}

// validateDuration accepts positive Go durations ("90s", "15m").
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateRole(fl validator.FieldLevel) bool {
	return auth.Role(fl.Field().String()).IsValid()
}

func validatePermission(fl validator.FieldLevel) bool {
	return auth.Permission(fl.Field().String()).IsValid()
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSessionTimings(); err != nil {
		return err
	}

	if err := c.validateUniqueUsernames(); err != nil {
		return err
	}

	return c.validateUniqueRoutes()
}

// validateSessionTimings ensures the warning fires before expiry.
func (c *Config) validateSessionTimings() error {
	idle := Duration(c.Session.IdleTimeout, 0)
	lead := Duration(c.Session.WarningLead, 0)
	if idle > 0 && lead > 0 && lead >= idle {
		return fmt.Errorf("session.warning_lead (%s) must be shorter than session.idle_timeout (%s)",
			c.Session.WarningLead, c.Session.IdleTimeout)
	}
	return nil
}

// validateUniqueUsernames rejects identities that collide case-insensitively.
func (c *Config) validateUniqueUsernames() error {
	seen := make(map[string]int, len(c.Auth.Identities))
	for i, id := range c.Auth.Identities {
		key := strings.ToLower(id.Username)
		if prev, exists := seen[key]; exists {
			return fmt.Errorf("auth.identities[%d]: username %q already defined at index %d", i, id.Username, prev)
		}
		seen[key] = i
	}
	return nil
}

func (c *Config) validateUniqueRoutes() error {
	seen := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if _, exists := seen[r.Prefix]; exists {
			return fmt.Errorf("routes[%d]: duplicate prefix %s", i, r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidr":
		return fmt.Sprintf("%s must be a CIDR such as 10.0.0.0/8", field)
	case "base32":
		return fmt.Sprintf("%s must be base32 encoded", field)
	case "store_url":
		return fmt.Sprintf("%s must be memory://, file:///<absolute-path>, sqlite:///<absolute-path> or redis://host:port/db", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as 90s or 15m", field)
	case "role":
		return fmt.Sprintf("%s must be one of: %s", field, joinRoles())
	case "permission":
		return fmt.Sprintf("%s is not a known permission", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

func joinRoles() string {
	roles := auth.AllRoles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, " ")
}
