// Package validation centralizes the name/path syntax rules.
// WorkspaceLifecycle applies them before any ConfigStore or Runtime
// call; ConfigStore and Runtime do not call this package themselves.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// workspaceNameRegex: starts with an alphanumeric, followed by up to 62
// alphanumeric/dot/underscore/dash characters (63 total).
var workspaceNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidateWorkspaceName enforces the name rule: non-empty, no path
// separators or control characters, no leading dot, bounded length.
func ValidateWorkspaceName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name cannot be empty")
	}
	if !workspaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid workspace name %q: must match [A-Za-z0-9][A-Za-z0-9._-]{0,62}", name)
	}
	return nil
}

// ValidateTrunk rejects an empty trunk branch name.
func ValidateTrunk(trunk string) error {
	if strings.TrimSpace(trunk) == "" {
		return fmt.Errorf("trunk cannot be empty")
	}
	return nil
}

// ValidateProjectPath rejects the empty string; ConfigStore treats the
// path itself as the unique key so no further canonicalization happens
// here.
func ValidateProjectPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	return nil
}

// safePathRegex matches safe path components (alphanumeric, dash,
// underscore, dot).
var safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// SanitizeRelPath rejects traversal, absolute paths and unsafe path
// components, returning path unchanged (not cleaned) on success.
func SanitizeRelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}
	return path, nil
}
