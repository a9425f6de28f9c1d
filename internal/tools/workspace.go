package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace is the directory every file operation and shell command is
// confined to.
type Workspace struct {
	root string // absolute, symlinks resolved
}

// NewWorkspace creates the directory if needed and resolves it to an
// absolute path with symlinks evaluated, so later containment checks
// compare like with like.
func NewWorkspace(path string) (*Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a relative path to an absolute path inside the workspace.
// Absolute inputs, parent traversal and symlink escapes all fail with
// ErrOutsideWorkspace.
func (w *Workspace) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths are not allowed: %s", ErrOutsideWorkspace, rel)
	}

	candidate := filepath.Join(w.root, filepath.Clean(rel))

	// Resolve the whole path if it exists, otherwise the parent, so a
	// symlinked directory cannot smuggle a new file outside.
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	} else if parent, err := filepath.EvalSymlinks(filepath.Dir(candidate)); err == nil {
		candidate = filepath.Join(parent, filepath.Base(candidate))
	}

	r, err := filepath.Rel(w.root, candidate)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return candidate, nil
}

// List returns the workspace entries, sorted, with a trailing slash on
// directories. Hidden files are skipped.
func (w *Workspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	var result []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}
