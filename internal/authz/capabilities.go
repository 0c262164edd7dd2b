// Package authz derives what an authenticated user may do from their role.
// Handlers and services consult the Capabilities value stored in the request
// context instead of comparing role names.
package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Roles
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
)

// Roles lists every valid role, highest privilege first
var Roles = []string{RoleSuperAdmin, RoleAdmin, RoleUser}

// RoleLabels holds display names for roles
var RoleLabels = map[string]string{
	RoleSuperAdmin: "Süper Admin",
	RoleAdmin:      "Admin",
	RoleUser:       "Standart Kullanıcı",
}

// Capabilities is the permission set of one role
type Capabilities struct {
	Role              string `json:"role"`
	IsSuperAdmin      bool   `json:"is_superadmin"`
	CanManageUsers    bool   `json:"can_manage_users"`
	CanManageDevices  bool   `json:"can_manage_devices"`
	CanViewAllDevices bool   `json:"can_view_all_devices"`
	CanExportData     bool   `json:"can_export_data"`
	CanChangeRoles    bool   `json:"can_change_roles"`
}

// IsValidRole reports whether role is a known role
func IsValidRole(role string) bool {
	_, ok := RoleLabels[role]
	return ok
}

// For returns the capabilities of role. Unknown roles get none.
func For(role string) Capabilities {
	switch role {
	case RoleSuperAdmin:
		return Capabilities{
			Role:              role,
			IsSuperAdmin:      true,
			CanManageUsers:    true,
			CanManageDevices:  true,
			CanViewAllDevices: true,
			CanExportData:     true,
			CanChangeRoles:    true,
		}
	case RoleAdmin:
		return Capabilities{
			Role:              role,
			CanManageUsers:    true,
			CanManageDevices:  true,
			CanViewAllDevices: true,
			CanExportData:     true,
		}
	case RoleUser:
		return Capabilities{Role: role}
	}
	return Capabilities{}
}

// CanAssignRole reports whether the holder may give target role to an account
func (c Capabilities) CanAssignRole(target string) bool {
	if !IsValidRole(target) || !c.CanManageUsers {
		return false
	}
	if target == RoleSuperAdmin {
		return c.IsSuperAdmin
	}
	return true
}

type ctxKey struct{}

// WithCapabilities stores caps in the context
func WithCapabilities(ctx context.Context, caps Capabilities) context.Context {
	return context.WithValue(ctx, ctxKey{}, caps)
}

// FromContext returns the capabilities stored in ctx, or the empty set
func FromContext(ctx context.Context) Capabilities {
	caps, _ := ctx.Value(ctxKey{}).(Capabilities)
	return caps
}

// Check is a predicate over a capability set
type Check func(Capabilities) bool

// Common checks
var (
	ManageUsers   Check = func(c Capabilities) bool { return c.CanManageUsers }
	ManageDevices Check = func(c Capabilities) bool { return c.CanManageDevices }
	ExportData    Check = func(c Capabilities) bool { return c.CanExportData }
	ChangeRoles   Check = func(c Capabilities) bool { return c.CanChangeRoles }
	ViewSystem    Check = func(c Capabilities) bool { return c.CanViewAllDevices }
)

// Require returns middleware that rejects requests whose capabilities fail check
func Require(check Check) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !check(FromContext(r.Context())) {
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "FORBIDDEN",
			"message": "You do not have permission to perform this action",
		},
		"timestamp": time.Now().UTC(),
	})
}
