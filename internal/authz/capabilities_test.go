package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pgregory.net/rapid"
)

func TestFor_RoleTable(t *testing.T) {
	tests := []struct {
		role   string
		manage bool
		all    bool
		export bool
		roles  bool
		super  bool
	}{
		{RoleSuperAdmin, true, true, true, true, true},
		{RoleAdmin, true, true, true, false, false},
		{RoleUser, false, false, false, false, false},
		{"guest", false, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			c := For(tt.role)
			if c.CanManageUsers != tt.manage || c.CanManageDevices != tt.manage {
				t.Errorf("manage = %v/%v, want %v", c.CanManageUsers, c.CanManageDevices, tt.manage)
			}
			if c.CanViewAllDevices != tt.all {
				t.Errorf("CanViewAllDevices = %v, want %v", c.CanViewAllDevices, tt.all)
			}
			if c.CanExportData != tt.export {
				t.Errorf("CanExportData = %v, want %v", c.CanExportData, tt.export)
			}
			if c.CanChangeRoles != tt.roles {
				t.Errorf("CanChangeRoles = %v, want %v", c.CanChangeRoles, tt.roles)
			}
			if c.IsSuperAdmin != tt.super {
				t.Errorf("IsSuperAdmin = %v, want %v", c.IsSuperAdmin, tt.super)
			}
		})
	}
}

// Unknown role strings never gain any capability
func TestFor_UnknownRolesHaveNoCapabilities(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		role := rapid.String().Filter(func(s string) bool { return !IsValidRole(s) }).Draw(t, "role")
		if For(role) != (Capabilities{}) {
			t.Fatalf("role %q unexpectedly has capabilities", role)
		}
	})
}

func TestCanAssignRole(t *testing.T) {
	admin := For(RoleAdmin)
	super := For(RoleSuperAdmin)
	user := For(RoleUser)

	if !admin.CanAssignRole(RoleAdmin) || !admin.CanAssignRole(RoleUser) {
		t.Error("admin should assign admin and user roles")
	}
	if admin.CanAssignRole(RoleSuperAdmin) {
		t.Error("admin must not assign superadmin")
	}
	if !super.CanAssignRole(RoleSuperAdmin) {
		t.Error("superadmin should assign superadmin")
	}
	if user.CanAssignRole(RoleUser) {
		t.Error("standard user must not assign roles")
	}
	if super.CanAssignRole("root") {
		t.Error("unknown roles must be rejected")
	}
}

func TestRequire(t *testing.T) {
	handler := Require(ManageUsers)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"no capabilities", context.Background(), http.StatusForbidden},
		{"user", WithCapabilities(context.Background(), For(RoleUser)), http.StatusForbidden},
		{"admin", WithCapabilities(context.Background(), For(RoleAdmin)), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(tt.ctx)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}
