package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Role is an ordered authorization tier. Higher values include the
// capabilities of lower ones.
type Role int

const (
	// RoleNone is the zero value for unauthenticated callers.
	RoleNone Role = iota
	// RoleStaff records receipts and sales and reads the ledger.
	RoleStaff
	// RoleManager may apply stock adjustments.
	RoleManager
	// RoleDirector may cancel same-day adjustments and read the audit trail.
	RoleDirector
	// RoleSystemAdmin may cancel adjustments regardless of their date.
	RoleSystemAdmin
)

var roleNames = map[Role]string{
	RoleNone:        "none",
	RoleStaff:       "staff",
	RoleManager:     "manager",
	RoleDirector:    "director",
	RoleSystemAdmin: "sysadmin",
}

// ErrUnknownRole is returned by ParseRole for unrecognised names.
var ErrUnknownRole = errors.New("rbac: unknown role")

// ParseRole maps a role name to its tier.
func ParseRole(name string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for role, n := range roleNames {
		if n == normalized && role != RoleNone {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast reports whether r meets the min tier.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// Actor is the authorization context passed into the ledger engine.
type Actor struct {
	ID   int64
	Role Role
}

// Identified reports whether the actor carries an id and a role.
func (a Actor) Identified() bool {
	return a.ID > 0 && a.Role > RoleNone
}

// CanApplyAdjustments reports whether the actor may post adjustments.
func (a Actor) CanApplyAdjustments() bool {
	return a.Identified() && a.Role.AtLeast(RoleManager)
}

// CanCancelAdjustments reports whether the actor may cancel adjustments.
func (a Actor) CanCancelAdjustments() bool {
	return a.Identified() && a.Role.AtLeast(RoleDirector)
}

// CanCancelPastAdjustments reports whether the same-day rule is waived.
func (a Actor) CanCancelPastAdjustments() bool {
	return a.Identified() && a.Role.AtLeast(RoleSystemAdmin)
}
