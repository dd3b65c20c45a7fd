package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path escapes project root")
	ErrNotFound      = errors.New("file or directory not found")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrTooLarge      = errors.New("file too large to display")
)

// MaxReadSize caps ReadFile so the browser never ships huge blobs.
const MaxReadSize = 5 << 20

// Entry types reported by List.
const (
	TypeDirectory = "directory"
	TypeFile      = "file"
)

// Entry describes one item of a directory listing. Path is relative to the
// project root and always starts with "/".
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Workspace provides filesystem access scoped to one project directory.
type Workspace struct {
	root string
}

// NewWorkspace creates a new workspace rooted at the given path
func NewWorkspace(root string) *Workspace {
	// Resolve symlinks in root to keep comparisons consistent
	// (e.g. on macOS /var -> /private/var)
	absRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		absRoot, _ = filepath.Abs(root)
	}
	return &Workspace{root: absRoot}
}

// Root returns the workspace root path
func (w *Workspace) Root() string {
	return w.root
}

// Exists reports whether the root directory is present on disk.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.root)
	return err == nil && info.IsDir()
}

// cleanRel turns a client path into a root-relative path, rejecting any
// path that climbs above the root. Leading slashes are treated as
// root-relative, never as host-absolute.
func cleanRel(path string) (string, error) {
	rel := filepath.Clean(strings.TrimLeft(filepath.FromSlash(path), string(filepath.Separator)))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return rel, nil
}

// resolvePath maps a client path to a host path inside the root, following
// symlinks so a link pointing outside the root is rejected as well.
func (w *Workspace) resolvePath(path string) (string, error) {
	rel, err := cleanRel(path)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(w.root, rel)

	resolved, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// New paths: the nearest existing ancestor must resolve inside the root.
		ancestor, rest := fullPath, ""
		for {
			parent := filepath.Dir(ancestor)
			rest = filepath.Join(filepath.Base(ancestor), rest)
			ancestor = parent
			resolvedAncestor, aerr := filepath.EvalSymlinks(ancestor)
			if aerr == nil {
				if !isPathWithin(resolvedAncestor, w.root) {
					return "", ErrPathTraversal
				}
				return filepath.Join(resolvedAncestor, rest), nil
			}
			if !os.IsNotExist(aerr) || parent == filepath.Dir(parent) {
				return "", aerr
			}
		}
	}

	if !isPathWithin(resolved, w.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

// isPathWithin checks if path is equal to or inside root. A plain prefix
// check would accept /workspace-evil for /workspace.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (w *Workspace) relPath(abs string) string {
	rel, _ := filepath.Rel(w.root, abs)
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// List returns the entries of a directory, directories first, then by name.
func (w *Workspace) List(path string) ([]Entry, error) {
	if !w.Exists() {
		return nil, ErrNotFound
	}
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	result := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Name: d.Name(),
			Type: TypeFile,
			Path: w.relPath(filepath.Join(resolved, d.Name())),
			Size: info.Size(),
		}
		if d.IsDir() {
			e.Type = TypeDirectory
			e.Size = 0
		}
		result = append(result, e)
	}
	SortEntries(result)
	return result, nil
}

// SortEntries orders directories before files, then lexicographically.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == TypeDirectory, entries[j].Type == TypeDirectory
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})
}

// Read returns the contents of a file
func (w *Workspace) Read(path string) ([]byte, error) {
	if !w.Exists() {
		return nil, ErrNotFound
	}
	resolved, err := w.resolvePath(path)
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
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	if info.Size() > MaxReadSize {
		return nil, ErrTooLarge
	}
	return os.ReadFile(resolved)
}

// Write writes content to a file, creating directories as needed
func (w *Workspace) Write(path string, content []byte) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	if resolved == w.root {
		return ErrIsDirectory
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, content, 0o644)
}

// WalkDirs visits every directory under path, skipping hidden ones.
func (w *Workspace) WalkDirs(path string, fn func(abs string) error) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	return filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != resolved && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fn(p)
	})
}
