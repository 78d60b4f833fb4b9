package rbac

// Role names carried in access tokens. Renaming one invalidates issued tokens.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleFinance    = "finance"
	RoleSuperAdmin = "super_admin"
	// RoleService is hidden: trusted internal callers only, never granted implicitly.
	RoleService = "service"
)

var knownRoles = map[string]bool{
	RoleUser:       true,
	RoleAdmin:      true,
	RoleFinance:    true,
	RoleSuperAdmin: true,
	RoleService:    true,
}

func IsKnownRole(role string) bool { return knownRoles[role] }

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }

// Allows reports whether role may pass a gate listing allowed.
// super_admin passes every gate except hidden-only ones; hidden roles pass only when listed.
func Allows(role string, allowed ...string) bool {
	if !IsKnownRole(role) {
		return false
	}
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	if IsSuperAdmin(role) {
		for _, a := range allowed {
			if !IsHiddenRole(a) {
				return true
			}
		}
	}
	return false
}
