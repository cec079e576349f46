package security

import (
	"strings"
)

// Roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOperator, RoleViewer}

type routePermission struct {
	Method  string // "*" matches any method
	Pattern string // segment prefix, {x} matches one segment
	Roles   []string
}

// permissions is checked in order; the first match decides.
var permissions = []routePermission{
	{Method: "GET", Pattern: "/api/secure", Roles: []string{RoleOperator}},
	{Method: "GET", Pattern: "/api/", Roles: []string{RoleOperator, RoleViewer}},
	{Method: "GET", Pattern: "/metrics", Roles: []string{RoleOperator, RoleViewer}},
	{Method: "*", Pattern: "/api/", Roles: []string{RoleOperator}},
}

// CheckPermission reports whether role may call method on path.
func CheckPermission(role, method, path string) bool {
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range permissions {
		if perm.Method != "*" && perm.Method != method {
			continue
		}
		if !matchRoute(perm.Pattern, path) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return role == RoleOperator
}

func matchRoute(pattern, path string) bool {
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) < len(patParts) {
		return false
	}
	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
