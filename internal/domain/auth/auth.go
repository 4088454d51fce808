// Package auth models the authenticated caller and the capability table that
// gates every protected operation.
package auth

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	// ErrUnauthorized is returned when no valid session accompanies a request.
	ErrUnauthorized = errors.New("authentication required")
	// ErrForbidden is returned when the caller lacks the required capability.
	ErrForbidden = errors.New("insufficient permissions")
)

// Role is the coarse user classification carried in session tokens.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// ParseRole converts a stored role string to a Role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleCustomer, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// Capability names a single protected action.
type Capability string

const (
	PlaceOrders      Capability = "orders:place"
	ViewAllOrders    Capability = "orders:view-all"
	CompleteAnyOrder Capability = "orders:complete-any"
	ManageInventory  Capability = "inventory:manage"
	ManageCatalog    Capability = "catalog:manage"
	ManageUsers      Capability = "users:manage"
)

var grants = map[Role]map[Capability]struct{}{
	RoleCustomer: set(PlaceOrders),
	RoleAdmin: set(
		PlaceOrders,
		ViewAllOrders,
		CompleteAnyOrder,
		ManageInventory,
		ManageCatalog,
		ManageUsers,
	),
}

func set(caps ...Capability) map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return m
}

// Can reports whether the role grants capability c.
func (r Role) Can(c Capability) bool {
	_, ok := grants[r][c]
	return ok
}

// Identity is the authenticated caller extracted from a session token.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}

// Can reports whether the caller holds capability c.
func (id Identity) Can(c Capability) bool {
	return id.Role.Can(c)
}

// Authorize checks that an identity is present and holds capability c.
func Authorize(id *Identity, c Capability) error {
	if id == nil || id.UserID == "" {
		return ErrUnauthorized
	}
	if !id.Can(c) {
		return ErrForbidden
	}
	return nil
}

type identityKey struct{}

// WithIdentity stores the authenticated caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the authenticated caller stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
