package auth

import "fmt"

// Role is an operator's privilege level.
type Role string

// Operator roles.
const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Permission represents a named capability in the management API.
type Permission string

// Permission constants.
const (
	PermDeviceRead     Permission = "device:read"
	PermDeviceRegister Permission = "device:register"
	PermDeviceDelete   Permission = "device:delete"
	PermAuditRead      Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDeviceRead,
		PermAuditRead,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceRegister,
		PermDeviceDelete,
		PermAuditRead,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
