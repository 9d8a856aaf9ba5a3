package auth

import (
	"strings"
	"time"
)

// Token represents an opaque bearer token accepted on POST /ipc and the
// WS ?token= query parameter.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants.
const (
	ScopeAdmin   = "admin"
	ScopeAdminRO = "admin:ro"

	// ScopeReadOnly is an alias for ScopeAdminRO.
	ScopeReadOnly = ScopeAdminRO
)

// ScopeProject returns a project-scoped scope string, keyed by the
// project's path (a project's path is its unique key).
func ScopeProject(projectPath string) string {
	return "project:" + projectPath
}

// ScopeProjectRO returns a read-only project-scoped scope string.
func ScopeProjectRO(projectPath string) string {
	return "project:" + projectPath + ":ro"
}

// IsAdminScope returns true if scope is admin or admin:ro.
func IsAdminScope(scope string) bool {
	return scope == ScopeAdmin || scope == ScopeAdminRO
}

// IsProjectScope returns true if scope is project:<path> or project:<path>:ro.
func IsProjectScope(scope string) bool {
	return strings.HasPrefix(scope, "project:")
}

// IsReadOnlyScope returns true if scope is read-only (admin:ro or project:*:ro).
func IsReadOnlyScope(scope string) bool {
	return scope == ScopeAdminRO || strings.HasSuffix(scope, ":ro")
}

// ExtractProjectPath extracts the project path from a project scope,
// returning empty if scope is not a project scope.
func ExtractProjectPath(scope string) string {
	if !strings.HasPrefix(scope, "project:") {
		return ""
	}
	rest := scope[len("project:"):]
	if strings.HasSuffix(rest, ":ro") {
		return rest[:len(rest)-3]
	}
	return rest
}

// AuthType represents the type of authentication used.
type AuthType int

const (
	AuthTypeToken AuthType = iota
)

// AuthContext holds authentication information for a request.
type AuthContext struct {
	Type  AuthType
	Token *Token
}

// CanAccessProject checks if the auth context allows access to a
// project, keyed by its path.
func (a *AuthContext) CanAccessProject(projectPath string) bool {
	if a.Token == nil {
		return false
	}
	if IsAdminScope(a.Token.Scope) {
		return true
	}
	if IsProjectScope(a.Token.Scope) {
		return ExtractProjectPath(a.Token.Scope) == projectPath
	}
	return false
}

// CanWrite checks if the auth context allows write operations.
func (a *AuthContext) CanWrite() bool {
	if a.Token == nil {
		return false
	}
	return !IsReadOnlyScope(a.Token.Scope)
}

// IsAdmin checks if the auth context has full (non-read-only) admin scope.
func (a *AuthContext) IsAdmin() bool {
	if a.Type != AuthTypeToken || a.Token == nil {
		return false
	}
	return a.Token.Scope == ScopeAdmin
}
