// Package validation holds the small set of input guards the tool runtime
// uses: path-escape detection and identifier shape checks.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ResolveWithinCwd resolves path against cwd and rejects it if the result
// escapes cwd. Both `../` traversal and absolute paths outside cwd are
// rejected. Returns the cleaned absolute path on success.
func ResolveWithinCwd(cwd, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Clean(filepath.Join(absCwd, path))
	}

	rel, err := filepath.Rel(absCwd, candidate)
	if err != nil {
		return "", fmt.Errorf("path escapes cwd: %s", path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes cwd: %s", path)
	}

	return candidate, nil
}

// ValidateToolName checks the shape of an external tool server or tool
// name segment used to build the composite "mcp.<server>.<tool>" name.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !toolNameRegex.MatchString(name) {
		return fmt.Errorf("invalid tool name: %s", name)
	}
	return nil
}
