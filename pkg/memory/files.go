package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureWorkspace creates the workspace directory if it doesn't exist
func EnsureWorkspace(root string) error {
	info, err := os.Stat(root)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("workspace path exists but is not a directory: %s", root)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// ValidateSourcePath checks that a workspace-relative source path stays
// inside the workspace.
func ValidateSourcePath(path string) error {
	if path == "" || path == "." {
		return fmt.Errorf("%w: source path cannot be empty", ErrInvalidQuery)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: source path must be relative, got %s", ErrInvalidQuery, path)
	}
	clean := filepath.Clean(path)
	if clean != filepath.FromSlash(path) {
		return fmt.Errorf("%w: source path contains invalid components: %s", ErrInvalidQuery, path)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: source path escapes the workspace: %s", ErrInvalidQuery, path)
	}
	return nil
}
