package model

import "net/http"

// Permission is a coarse capability granted to an API key or a session.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermAdmin  Permission = "admin"
)

// ValidPermission reports whether p is one of read, write, delete, admin.
func ValidPermission(p Permission) bool {
	switch p {
	case PermRead, PermWrite, PermDelete, PermAdmin:
		return true
	}
	return false
}

// methodPermissions maps an HTTP method to the permission a key must carry
// to use it. Methods not listed require read.
var methodPermissions = map[string]Permission{
	http.MethodGet:     PermRead,
	http.MethodHead:    PermRead,
	http.MethodOptions: PermRead,
	http.MethodPost:    PermWrite,
	http.MethodPut:     PermWrite,
	http.MethodPatch:   PermWrite,
	http.MethodDelete:  PermDelete,
}

// RequiredPermission returns the permission needed for an HTTP method.
func RequiredPermission(method string) Permission {
	if p, ok := methodPermissions[method]; ok {
		return p
	}
	return PermRead
}

// PermissionStrings converts a permission set to plain strings, for claims
// and logs.
func PermissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// Role is a user's account role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleReadOnly  Role = "readonly"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleReadOnly:
		return true
	}
	return false
}

// SessionPermissions returns the permissions embedded in a user's access
// token. Read-only users get read; everyone else gets read and write.
func (r Role) SessionPermissions() []Permission {
	if r == RoleReadOnly {
		return []Permission{PermRead}
	}
	return []Permission{PermRead, PermWrite}
}
