package rbac

import "voice-orchestrator/internal/auth"

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAPIKey     = auth.RoleAPIKey
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdmin reports whether the role may use the admin surface.
func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

func IsValidAdminRole(role string) bool { return IsAdmin(role) }
