// Package fs provides project-scoped file access: the read-only browser
// surface, agent writes, and a change watcher.
package fs

import (
	"errors"
	"path/filepath"

	"github.com/hyper-ai-inc/buildsession/internal/models"
)

// ErrInvalidProject is returned for project ids that cannot name a directory.
var ErrInvalidProject = errors.New("invalid project id")

// Browser maps project ids to workspaces under a common base directory.
// The same directory is mounted into the project's sandbox.
type Browser struct {
	base string
}

func NewBrowser(base string) *Browser {
	return &Browser{base: base}
}

// Dir returns the host directory of a project workspace.
func (b *Browser) Dir(projectID string) (string, error) {
	if !models.ValidProjectID(projectID) {
		return "", ErrInvalidProject
	}
	return filepath.Join(b.base, projectID), nil
}

// Workspace returns the scoped workspace of a project. The directory does
// not need to exist yet.
func (b *Browser) Workspace(projectID string) (*Workspace, error) {
	dir, err := b.Dir(projectID)
	if err != nil {
		return nil, err
	}
	return NewWorkspace(dir), nil
}

// ListDirectory lists path inside the project root.
func (b *Browser) ListDirectory(projectID, path string) ([]Entry, error) {
	ws, err := b.Workspace(projectID)
	if err != nil {
		return nil, err
	}
	return ws.List(path)
}

// ReadFile returns the content of path inside the project root.
func (b *Browser) ReadFile(projectID, path string) (string, error) {
	ws, err := b.Workspace(projectID)
	if err != nil {
		return "", err
	}
	data, err := ws.Read(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
