package workspace

import (
	"strings"
)

// SplitPath breaks an absolute slash-delimited path into its leaf name and
// parent path. A top-level path like "/alice" has no parent.
func SplitPath(path string) (name string, parentPath string) {
	if path == "/" {
		return "/", ""
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[len(parts)-1], "/" + strings.Join(parts[:len(parts)-1], "/")
}

// Ancestors returns every proper ancestor of path from shallowest to deepest,
// excluding the path itself. Ancestors("/a/b/c") is ["/a", "/a/b"].
func Ancestors(path string) []string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	current := ""
	for _, part := range parts[:len(parts)-1] {
		current += "/" + part
		out = append(out, current)
	}
	return out
}

// RewritePrefix replaces the from prefix of path with to. The caller is
// responsible for ensuring path actually descends from from.
func RewritePrefix(path, from, to string) string {
	return to + strings.TrimPrefix(path, from)
}

// WorkspaceOwner returns the first path segment, which names the workspace a
// path belongs to.
func WorkspaceOwner(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// ValidatePath rejects paths that are not absolute or contain empty, "." or
// ".." segments.
func ValidatePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}
	if path == "/" {
		return ErrInvalidPath
	}
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		switch part {
		case "", ".", "..":
			return ErrInvalidPath
		}
	}
	return nil
}
