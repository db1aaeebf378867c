// internal/utils/security/symlink.go
package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// SymlinkPolicy defines how a path that turns out to be a symlink is treated.
type SymlinkPolicy int

const (
	// RejectSymlinks fails on any symlink.
	RejectSymlinks SymlinkPolicy = iota
	// ResolveSymlinks follows the link and operates on its target.
	ResolveSymlinks
)

// resolve returns the path to operate on after applying policy.
func resolve(path string, policy SymlinkPolicy) (string, error) {
	if policy != RejectSymlinks && policy != ResolveSymlinks {
		return "", fmt.Errorf("invalid symlink policy: %d", policy)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("failed to get file info for %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}

	if policy == RejectSymlinks {
		return "", fmt.Errorf("symlinks are not allowed: %s", path)
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlink %s: %w", path, err)
	}
	return target, nil
}

// SafeReadFile reads path after applying the symlink policy.
func SafeReadFile(path string, policy SymlinkPolicy) ([]byte, error) {
	resolved, err := resolve(path, policy)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// SafeWriteFile writes data to path. An existing file and the parent
// directory are both checked against the policy before writing.
func SafeWriteFile(path string, data []byte, perm os.FileMode, policy SymlinkPolicy) error {
	if _, err := os.Lstat(path); err == nil {
		resolved, err := resolve(path, policy)
		if err != nil {
			return fmt.Errorf("existing file symlink check failed: %w", err)
		}
		path = resolved
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		resolved, err := resolve(dir, policy)
		if err != nil {
			return fmt.Errorf("parent directory symlink check failed: %w", err)
		}
		if resolved != dir {
			path = filepath.Join(resolved, filepath.Base(path))
		}
	}

	return os.WriteFile(path, data, perm)
}
