// Package auth contains the domain types and logic for authentication and
// access decisions.
package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Role represents a portal role for authorization purposes. A principal
// holds exactly one role.
type Role string

const (
	// RoleAdmin has full access to all operations.
	RoleAdmin Role = "admin"
	// RoleOperator runs the logistics desk: bookings, tracking, reports.
	RoleOperator Role = "operator"
	// RoleShipper books and pays for shipments.
	RoleShipper Role = "shipper"
	// RoleCarrier sees and tracks the bookings assigned to it.
	RoleCarrier Role = "carrier"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// AllRoles lists every known role.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleOperator, RoleShipper, RoleCarrier, RoleViewer}
}

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleShipper, RoleCarrier, RoleViewer:
		return true
	default:
		return false
	}
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Permission is a granted capability tag.
type Permission string

const (
	PermBookingsCreate Permission = "bookings:create"
	PermBookingsView   Permission = "bookings:view"
	PermBookingsCancel Permission = "bookings:cancel"
	PermShipmentsTrack Permission = "shipments:track"
	PermInvoicesView   Permission = "invoices:view"
	PermReportsExport  Permission = "reports:export"
	PermUsersManage    Permission = "users:manage"
	PermSettingsManage Permission = "settings:manage"
)

// AllPermissions lists every known permission.
func AllPermissions() []Permission {
	return []Permission{
		PermBookingsCreate,
		PermBookingsView,
		PermBookingsCancel,
		PermShipmentsTrack,
		PermInvoicesView,
		PermReportsExport,
		PermUsersManage,
		PermSettingsManage,
	}
}

// IsValid returns true if the permission is a known permission.
func (p Permission) IsValid() bool {
	return slices.Contains(AllPermissions(), p)
}

// ParsePermission parses a permission tag, case-insensitively.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// Identity represents an authenticated principal. It is owned by the
// identity provider; this layer only reads it.
type Identity struct {
	// ID is the unique identifier for this identity.
	ID string `json:"id"`
	// Name is the display name for this identity.
	Name string `json:"name"`
	// Role is the single role assigned to this identity.
	Role Role `json:"role"`
	// Permissions are the granted permission tags.
	Permissions []Permission `json:"permissions"`
}

// HasRole returns true if the identity holds the specified role.
func (i *Identity) HasRole(role Role) bool {
	return i != nil && i.Role == role
}

// HasAnyRole returns true if the identity holds any of the specified roles.
func (i *Identity) HasAnyRole(roles ...Role) bool {
	return i != nil && slices.Contains(roles, i.Role)
}

// HasPermission returns true if the permission was granted.
func (i *Identity) HasPermission(p Permission) bool {
	return i != nil && slices.Contains(i.Permissions, p)
}
