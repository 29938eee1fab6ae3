package auth

import (
	"slices"

	"github.com/freightdesk/trustgate/internal/domain/session"
)

// Outcome is the top-level result of an access decision.
type Outcome int

const (
	// OutcomePending means the session status is not yet known. Callers
	// render a placeholder and take no access action.
	OutcomePending Outcome = iota
	// OutcomeAllow grants access.
	OutcomeAllow
	// OutcomeDeny refuses access; Decision.Reason says why.
	OutcomeDeny
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// DenyReason explains a deny outcome.
type DenyReason int

const (
	// ReasonNone is set on Pending and Allow decisions.
	ReasonNone DenyReason = iota
	// ReasonUnauthenticated means no valid session.
	ReasonUnauthenticated
	// ReasonInsufficientRole means the principal's role is not accepted.
	ReasonInsufficientRole
	// ReasonInsufficientPermission means a required permission is missing.
	ReasonInsufficientPermission
)

// String returns the reason in snake case.
func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonInsufficientRole:
		return "insufficient_role"
	case ReasonInsufficientPermission:
		return "insufficient_permission"
	default:
		return "unknown"
	}
}

// Decision is the tagged result of Authorize. The zero value is Pending.
type Decision struct {
	Outcome Outcome
	Reason  DenyReason
}

var (
	// Pending is the decision while the session is loading.
	Pending = Decision{Outcome: OutcomePending}
	// Allow grants access.
	Allow = Decision{Outcome: OutcomeAllow}
)

// Deny returns a deny decision with the given reason.
func Deny(reason DenyReason) Decision {
	return Decision{Outcome: OutcomeDeny, Reason: reason}
}

// Allowed reports whether access is granted.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Denied reports whether access is refused.
func (d Decision) Denied() bool { return d.Outcome == OutcomeDeny }

// IsPending reports whether the decision is still unknown.
func (d Decision) IsPending() bool { return d.Outcome == OutcomePending }

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d.Outcome == OutcomeDeny {
		return "deny(" + d.Reason.String() + ")"
	}
	return d.Outcome.String()
}

// Requirement is what a route or element demands of the principal. An empty
// Roles or Permissions list imposes no constraint of that kind.
type Requirement struct {
	Roles       []Role       `json:"roles,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// RequireRoles builds a role gate.
func RequireRoles(roles ...Role) Requirement {
	return Requirement{Roles: roles}
}

// RequirePermissions builds a permission gate.
func RequirePermissions(perms ...Permission) Requirement {
	return Requirement{Permissions: perms}
}

// IsZero reports whether the requirement only asks for authentication.
func (r Requirement) IsZero() bool {
	return len(r.Roles) == 0 && len(r.Permissions) == 0
}

// Authorize decides whether a principal with the given session status, role
// and granted permissions satisfies req. It is pure and safe to call on
// every request.
//
// Loading yields Pending regardless of the other arguments. Unauthenticated
// and Expired yield Deny(Unauthenticated). Authenticated and Warning are
// both valid sessions: the role is checked first, then every required
// permission must be granted.
func Authorize(status session.Status, role Role, granted []Permission, req Requirement) Decision {
	switch status.Kind {
	case session.KindLoading:
		return Pending
	case session.KindUnauthenticated, session.KindExpired:
		return Deny(ReasonUnauthenticated)
	case session.KindAuthenticated, session.KindWarning:
		if len(req.Roles) > 0 && !slices.Contains(req.Roles, role) {
			return Deny(ReasonInsufficientRole)
		}
		for _, p := range req.Permissions {
			if !slices.Contains(granted, p) {
				return Deny(ReasonInsufficientPermission)
			}
		}
		return Allow
	default:
		return Deny(ReasonUnauthenticated)
	}
}

// AuthorizeIdentity is Authorize for a possibly nil identity. A nil
// identity with an authenticated status is treated as unauthenticated.
func AuthorizeIdentity(status session.Status, id *Identity, req Requirement) Decision {
	if status.IsAuthenticated() && id == nil {
		return Deny(ReasonUnauthenticated)
	}
	if id == nil {
		return Authorize(status, "", nil, req)
	}
	return Authorize(status, id.Role, id.Permissions, req)
}
