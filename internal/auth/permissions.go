package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermRoundRead    Permission = "round:read"
	PermRoundControl Permission = "round:control"
	PermCodeUpload   Permission = "code:upload"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermRoundRead,
	},
	RoleOperator: {
		PermRoundRead,
		PermRoundControl,
		PermCodeUpload,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}
