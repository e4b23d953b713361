// Package safety centralizes path-confinement guards for acceptance
// checking and artifact gating: expected files and glob patterns supplied
// via Task acceptance criteria or phase definitions must resolve inside the
// controller's working directory, never escaping it via ".." sequences,
// absolute paths, or symlink chains, using symlink-resolving
// canonicalization and root confinement.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var validRelPath = regexp.MustCompile(`^[a-zA-Z0-9_.\-/]+$`)

// ErrPathEscape indicates a path resolved outside the confinement root.
var ErrPathEscape = fmt.Errorf("path escapes confinement root")

// ConfinePath validates that rel is a safe, root-relative path (no leading
// "~", no absolute path, no ".." segments, only a restricted character set)
// and that it resolves, following symlinks, to somewhere inside root. It
// returns rel joined onto the canonicalized root; symlinks inside rel itself
// are left unresolved in the returned path.
func ConfinePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("safety: empty path")
	}
	if strings.HasPrefix(rel, "~") {
		return "", fmt.Errorf("safety: tilde-prefixed path rejected: %s", rel)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("safety: absolute path rejected: %s", rel)
	}
	if !validRelPath.MatchString(rel) {
		return "", fmt.Errorf("safety: path contains disallowed characters: %s", rel)
	}
	if containsDotDot(rel) {
		return "", fmt.Errorf("safety: path traversal rejected: %s", rel)
	}

	canonicalRoot, err := canonicalize(root)
	if err != nil {
		return "", fmt.Errorf("safety: canonicalize root: %w", err)
	}

	joined := filepath.Join(canonicalRoot, rel)
	// Resolve symlinks on whatever portion of the path already exists; a
	// not-yet-created artifact file simply canonicalizes its parent dir.
	resolved, err := canonicalizeExistingPrefix(joined)
	if err != nil {
		return "", err
	}

	if resolved != canonicalRoot && !strings.HasPrefix(resolved, canonicalRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return joined, nil
}

func containsDotDot(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}

// canonicalizeExistingPrefix walks up from path until it finds a prefix
// that exists, resolves symlinks on that prefix, then reattaches the
// remaining (not-yet-created) suffix.
func canonicalizeExistingPrefix(path string) (string, error) {
	cur := path
	var suffix []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding an existing prefix.
			return path, nil
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

// ValidateGlob checks that a glob pattern (e.g. "implementation/*") is
// itself root-relative and free of traversal before it is ever passed to
// filepath.Glob, so a crafted artifact path in a phase definition cannot
// read outside the working directory.
func ValidateGlob(pattern string) error {
	if strings.HasPrefix(pattern, "~") || filepath.IsAbs(pattern) {
		return fmt.Errorf("safety: glob must be working-directory relative: %s", pattern)
	}
	if containsDotDot(pattern) {
		return fmt.Errorf("safety: glob traversal rejected: %s", pattern)
	}
	return nil
}
