// Package fs provides filesystem access scoped to a session workspace.
//
// Every path a caller supplies is interpreted relative to the workspace
// root and resolved with filepath-securejoin, so symlinks and ".." can
// never reach outside the workspace. Containment is a hard invariant:
// any path that would escape fails with ErrPathEscape.
package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	ErrPathEscape = errors.New("path escapes workspace root")
	ErrNotFound   = errors.New("file or directory not found")
)

// FileInfo describes one workspace entry.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
	Mode    string    `json:"mode"`
}

// Workspace is a session-exclusive directory tree.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at the given path. The root is
// resolved once so later containment checks compare real paths.
func NewWorkspace(root string) *Workspace {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolved, _ = filepath.Abs(root)
	}
	return &Workspace{root: resolved}
}

// Root returns the workspace root path.
func (w *Workspace) Root() string {
	return w.root
}

// resolve maps a caller-supplied path to a host path inside the root.
func (w *Workspace) resolve(path string) (string, error) {
	resolved, err := securejoin.SecureJoin(w.root, path)
	if err != nil {
		return "", ErrPathEscape
	}
	// SecureJoin resolves symlinks relative to the root, but the final
	// component may itself be a link created after the join; verify the
	// real path is still inside the root.
	real, err := filepath.EvalSymlinks(resolved)
	if err == nil {
		if real != w.root && !strings.HasPrefix(real, w.root+string(filepath.Separator)) {
			return "", ErrPathEscape
		}
		return real, nil
	}
	if os.IsNotExist(err) {
		return resolved, nil
	}
	return "", err
}

// rel converts a host path back to the workspace-relative form used on
// the wire, always with a leading slash.
func (w *Workspace) rel(hostPath string) string {
	relPath, err := filepath.Rel(w.root, hostPath)
	if err != nil || relPath == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(relPath)
}

// Read returns the contents of a file.
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write writes content to a file, creating parent directories as needed.
func (w *Workspace) Write(path string, content []byte) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, content, 0o644)
}

// List returns the entries of a directory.
func (w *Workspace) List(path string) ([]FileInfo, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, FileInfo{
			Name:    entry.Name(),
			Path:    w.rel(filepath.Join(resolved, entry.Name())),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
			Mode:    info.Mode().String(),
		})
	}
	return result, nil
}

// Mkdir creates a directory, including missing parents.
func (w *Workspace) Mkdir(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

// Delete removes a file or directory tree. The root itself cannot be
// deleted.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	if resolved == w.root {
		return ErrPathEscape
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.RemoveAll(resolved)
}

// Stat returns metadata for a single entry.
func (w *Workspace) Stat(path string) (*FileInfo, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &FileInfo{
		Name:    info.Name(),
		Path:    w.rel(resolved),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
		Mode:    info.Mode().String(),
	}, nil
}

// Exists reports whether a path exists inside the workspace.
func (w *Workspace) Exists(path string) (bool, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
