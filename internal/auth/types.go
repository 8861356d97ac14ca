package auth

import (
	"errors"
	"fmt"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can watch a round but not control it.
	RoleViewer Role = "viewer"

	// RoleOperator has full round control: start, stop and code upload.
	RoleOperator Role = "operator"
)

// ValidRoles lists all recognised roles in ascending privilege order.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Domain errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrNoSecret     = errors.New("signing secret not configured")
)
