package auth

// defaultGrants is the baseline permission set of each role.
var defaultGrants = map[Role][]Permission{
	RoleAdmin: AllPermissions(),
	RoleOperator: {
		PermBookingsCreate,
		PermBookingsView,
		PermBookingsCancel,
		PermShipmentsTrack,
		PermReportsExport,
	},
	RoleShipper: {
		PermBookingsCreate,
		PermBookingsView,
		PermBookingsCancel,
		PermShipmentsTrack,
		PermInvoicesView,
	},
	RoleCarrier: {
		PermBookingsView,
		PermShipmentsTrack,
	},
	RoleViewer: {
		PermBookingsView,
		PermShipmentsTrack,
	},
}

// DefaultPermissions returns a copy of the baseline grant for role, or nil
// for an unknown role.
func DefaultPermissions(role Role) []Permission {
	grants, ok := defaultGrants[role]
	if !ok {
		return nil
	}
	out := make([]Permission, len(grants))
	copy(out, grants)
	return out
}
