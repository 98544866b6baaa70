// Package pathguard decides whether a file path may be written.
//
// Every write made on behalf of a generation or patch backend goes through
// Authorize. Both the candidate and the root are resolved to absolute,
// symlink-free paths on every call; nothing is cached because the
// filesystem can change between calls.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrContainmentViolation = errors.New("containment violation")

// ContainmentViolation describes a candidate that resolves outside the root.
type ContainmentViolation struct {
	Candidate string
	Resolved  string
	Root      string
	Reason    string
}

func (e *ContainmentViolation) Error() string {
	if e.Resolved != "" {
		return fmt.Sprintf("%s: %q resolves to %q, outside %q", ErrContainmentViolation, e.Candidate, e.Resolved, e.Root)
	}
	return fmt.Sprintf("%s: %q: %s", ErrContainmentViolation, e.Candidate, e.Reason)
}

func (e *ContainmentViolation) Unwrap() error { return ErrContainmentViolation }

// Authorize returns the resolved absolute path of candidate if it is equal
// to, or a descendant of, root. A relative candidate is taken relative to
// root. The root itself must exist.
func Authorize(candidate, root string) (string, error) {
	if candidate == "" || strings.ContainsRune(candidate, 0) {
		return "", &ContainmentViolation{Candidate: candidate, Root: root, Reason: "empty or NUL-containing path"}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}

	target := candidate
	if !filepath.IsAbs(target) {
		// Join against the unresolved root so that "../x" is judged relative
		// to the directory the caller named.
		target = filepath.Join(absRoot, target)
	}
	realTarget, err := resolve(target)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", candidate, err)
	}

	if !within(realTarget, realRoot) {
		return "", &ContainmentViolation{Candidate: candidate, Resolved: realTarget, Root: realRoot}
	}
	return realTarget, nil
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolve follows symlinks through the nearest existing ancestor of path
// and re-appends the components that do not exist yet. A dangling symlink
// on the way is followed to its target so that a link planted inside the
// root cannot smuggle a write outside it.
func resolve(path string) (string, error) {
	path = filepath.Clean(path)
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}

	var missing []string
	current := path
	for hops := 0; ; {
		fi, err := os.Lstat(current)
		switch {
		case err == nil && fi.Mode()&os.ModeSymlink != 0:
			// Dangling link: continue from where it points.
			hops++
			if hops > 40 {
				return "", errors.New("too many levels of symbolic links")
			}
			dest, err := os.Readlink(current)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(current), dest)
			}
			current = filepath.Clean(dest)
			continue
		case err == nil:
			real, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", err
			}
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		case !os.IsNotExist(err):
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
