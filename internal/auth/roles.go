package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the access level of an authenticated user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// Capability names an action gated by role.
type Capability string

const (
	CapabilitySubmitCounts       Capability = "submit_counts"
	CapabilityViewReconciliation Capability = "view_reconciliation"
	CapabilityManageInventories  Capability = "manage_inventories"
)

// ErrUnknownRole indicates a role name outside the supported set.
var ErrUnknownRole = errors.New("auth: unknown role")

var roleCapabilities = map[Role]map[Capability]struct{}{
	RoleAdmin: {
		CapabilitySubmitCounts:       {},
		CapabilityViewReconciliation: {},
		CapabilityManageInventories:  {},
	},
	RoleOperator: {
		CapabilitySubmitCounts: {},
	},
}

// ParseRole validates a role name, ignoring case and surrounding spaces.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := roleCapabilities[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Can reports whether the role grants the capability.
func (r Role) Can(capability Capability) bool {
	capabilities, ok := roleCapabilities[r]
	if !ok {
		return false
	}
	_, granted := capabilities[capability]
	return granted
}

// RoleFromClaims returns the most privileged known role carried by the claims.
func RoleFromClaims(claims SessionClaims) (Role, bool) {
	var resolved Role
	for _, raw := range claims.UserRoles {
		role, err := ParseRole(raw)
		if err != nil {
			continue
		}
		if role == RoleAdmin {
			return RoleAdmin, true
		}
		resolved = role
	}
	return resolved, resolved != ""
}
