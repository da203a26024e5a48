package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateLocalPath validates a path supplied for the local store, config or
// token file. Relative components are allowed, traversal segments are not.
func ValidateLocalPath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains NUL byte")
	}

	// Clean the path to resolve any . components, then reject anything that
	// still climbs out of its starting directory.
	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(cleanPath, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}

// ValidateRegularFile validates that path, if it exists, is a regular file.
func ValidateRegularFile(path string) error {
	if err := ValidateLocalPath(path); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}

	return nil
}

// EnsureParentDir creates the parent directory of path if it does not exist.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
