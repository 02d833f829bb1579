package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// resolvePath resolves a path relative to the allowed directory and
// validates it. When restrict=true, resolves symlinks to canonical paths
// and rejects paths that escape the allowed directory (symlink/hardlink
// attacks).
func resolvePath(path, allowedDir string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(allowedDir, path))
	}

	if !restrict {
		return resolved, nil
	}

	// Canonicalize the allowed dir itself (it may be reached via symlink).
	absAllowed, _ := filepath.Abs(allowedDir)
	allowedReal, err := filepath.EvalSymlinks(absAllowed)
	if err != nil {
		allowedReal = absAllowed // dir doesn't exist yet
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
				// Broken symlink: read target and validate it too.
				target, readErr := os.Readlink(absResolved)
				if readErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve symlink")
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(absResolved), target)
				}
				resolvedTarget, resolveErr := resolveThroughExistingAncestors(filepath.Clean(target))
				if resolveErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve symlink target")
				}
				if !isPathInside(resolvedTarget, allowedReal) {
					slog.Warn("security.symlink_escape", "path", path, "target", resolvedTarget, "allowed", allowedReal)
					return "", fmt.Errorf("access denied: symlink target outside allowed directory")
				}
				real = resolvedTarget
			} else {
				// Non-existent file: canonicalize through the deepest
				// existing ancestor and re-validate. Missing intermediate
				// directories are fine, write_file creates them.
				resolvedNew, resolveErr := resolveThroughExistingAncestors(absResolved)
				if resolveErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve path")
				}
				real = resolvedNew
			}
		} else {
			slog.Warn("security.path_resolve_failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
	}

	if !isPathInside(real, allowedReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "allowed", allowedReal)
		return "", fmt.Errorf("access denied: path outside allowed directory")
	}

	// Reject regular files with extra hardlinks so content outside the
	// allowed directory cannot be reached through a link inside it.
	if err := checkHardlink(real); err != nil {
		return "", err
	}

	return real, nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors canonicalizes the deepest existing
// ancestor of target and appends the remaining non-existent components.
// Needed for symlinks whose targets contain intermediate symlinks.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// checkHardlink rejects regular files with nlink > 1. Directories
// naturally have nlink > 1 and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent files fail later at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
			return fmt.Errorf("access denied: hardlinked file not allowed")
		}
	}
	return nil
}
