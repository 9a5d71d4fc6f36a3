package model

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is an approval tier. Tiers are ordered: a higher tier holds every permission of
// the tiers below it.
type Role int

const (
	RoleUser Role = iota + 1
	RoleSupervisor
	RoleFactoryManager
	RoleGeneralManager
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleUser:           "user",
	RoleSupervisor:     "supervisor",
	RoleFactoryManager: "factory_manager",
	RoleGeneralManager: "general_manager",
	RoleSuperAdmin:     "super_admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Valid reports whether r is one of the defined tiers.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole maps a role name to its tier.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value stores the role by name.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return r.String(), nil
}

func (r *Role) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into Role", src)
}

// Actor is the request-scoped identity every service call acts on behalf of.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// HasPermission reports whether the actor's tier is at or above required.
func (a Actor) HasPermission(required Role) bool {
	return a.Role.Valid() && a.Role >= required
}

// IDPtr returns the actor's user id for nullable audit columns.
func (a Actor) IDPtr() *uuid.UUID {
	if a.UserID == uuid.Nil {
		return nil
	}
	id := a.UserID
	return &id
}
