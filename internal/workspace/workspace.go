package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mpataki/forge/internal/models"
	"github.com/mpataki/forge/internal/pathguard"
)

const (
	// Snapshot limits mirror what a backend is allowed to answer with.
	MaxSnapshotFiles     = 100
	MaxSnapshotFileBytes = 512 * 1024
)

var ErrDangerousRoot = errors.New("refusing to reset workspace")

// skipDirs are never included in a snapshot.
var skipDirs = map[string]bool{
	".git":         true,
	".forge":       true,
	"__pycache__":  true,
	"node_modules": true,
	".venv":        true,
}

// Workspace is the writable root generated code lands in. Every write goes
// through pathguard.
type Workspace struct {
	Root string
}

// Written describes one file placed in the workspace.
type Written struct {
	Path     string
	Resolved string
	Bytes    int
}

func Open(root string) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("workspace root is empty")
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	return &Workspace{Root: resolvedRoot}, nil
}

// Authorize resolves every path in files against the root. It returns the
// resolved destinations keyed by the requested path, or the first
// containment violation in sorted path order.
func (w *Workspace) Authorize(files models.FileSet) (map[string]string, error) {
	resolved := make(map[string]string, len(files))
	for _, p := range files.Paths() {
		dest, err := pathguard.Authorize(p, w.Root)
		if err != nil {
			return nil, err
		}
		if dest == w.Root {
			return nil, &pathguard.ContainmentViolation{
				Candidate: p,
				Root:      w.Root,
				Reason:    "path names the workspace root itself",
			}
		}
		resolved[p] = dest
	}
	return resolved, nil
}

// WriteFiles authorizes the whole set before writing any of it, then writes
// each file atomically. A violation leaves the workspace untouched.
func (w *Workspace) WriteFiles(files models.FileSet) ([]Written, error) {
	resolved, err := w.Authorize(files)
	if err != nil {
		return nil, err
	}

	written := make([]Written, 0, len(files))
	for _, p := range files.Paths() {
		dest := resolved[p]
		if err := writeAtomic(dest, []byte(files[p])); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", p, err)
		}
		written = append(written, Written{Path: p, Resolved: dest, Bytes: len(files[p])})
	}

	return written, nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".forge-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}

	return os.Rename(tmpName, dest)
}

// Snapshot reads the current text files under the root, keyed by slash
// separated relative path. Symlinks, hidden tool directories, binary files
// and oversized files are skipped.
func (w *Workspace) Snapshot() (models.FileSet, error) {
	files := make(models.FileSet)

	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == w.Root {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(files) >= MaxSnapshotFiles {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxSnapshotFileBytes {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return nil
		}

		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workspace: %w", err)
	}

	return files, nil
}

// Reset empties the root. It refuses the filesystem root, the home
// directory, and any directory containing protect (the data directory).
func (w *Workspace) Reset(protect string) error {
	if err := w.checkResettable(protect); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return fmt.Errorf("failed to read workspace: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(w.Root, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}

	return nil
}

func (w *Workspace) checkResettable(protect string) error {
	if w.Root == string(filepath.Separator) || filepath.Dir(w.Root) == w.Root {
		return fmt.Errorf("%w: %s is the filesystem root", ErrDangerousRoot, w.Root)
	}

	if home, err := os.UserHomeDir(); err == nil {
		if r, err := filepath.EvalSymlinks(home); err == nil {
			home = r
		}
		if w.Root == filepath.Clean(home) {
			return fmt.Errorf("%w: %s is the home directory", ErrDangerousRoot, w.Root)
		}
	}

	if protect != "" {
		abs, err := filepath.Abs(protect)
		if err != nil {
			return err
		}
		if r, err := filepath.EvalSymlinks(abs); err == nil {
			abs = r
		}
		rel, err := filepath.Rel(w.Root, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s contains the data directory %s", ErrDangerousRoot, w.Root, abs)
		}
	}

	return nil
}
