// Package pathmap maps session identities onto the host filesystem layout
// and the fixed in-container workspace path. It is pure: no state, no I/O.
//
// Layout: {root}/{user_id}/{session_id}/ on the host, bind-mounted at
// /workspace inside the container. The workspace is the only persisted state
// layer; removing a container never touches it.
package pathmap

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"workbox"
)

// WorkspaceTarget is the fixed mount point inside every sandbox container.
const WorkspaceTarget = "/workspace"

// Translator converts between container-relative workspace paths and
// host-side storage paths.
type Translator struct {
	root string
}

// New creates a Translator rooted at the host data directory.
func New(root string) Translator {
	return Translator{root: filepath.Clean(root)}
}

// Root returns the host data root.
func (t Translator) Root() string { return t.root }

// SessionDir returns the host directory backing a session's workspace.
func (t Translator) SessionDir(key workbox.SessionKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("session dir: %w", err)
	}
	return filepath.Join(t.root, key.UserID, key.SessionID), nil
}

// HostPath resolves a container-relative workspace path (either relative or
// under /workspace) to its host location. Paths escaping the workspace are
// rejected.
func (t Translator) HostPath(key workbox.SessionKey, rel string) (string, error) {
	dir, err := t.SessionDir(key)
	if err != nil {
		return "", err
	}
	cleaned, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(cleaned)), nil
}

// ContainerPath resolves a container-relative workspace path to its absolute
// in-container form.
func (t Translator) ContainerPath(rel string) (string, error) {
	cleaned, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}
	return path.Join(WorkspaceTarget, cleaned), nil
}

// cleanRelative normalizes rel against the workspace root. Accepts "",
// "a/b", "./a", and absolute paths under /workspace; rejects everything
// that would resolve outside it.
func cleanRelative(rel string) (string, error) {
	p := strings.TrimSpace(rel)
	if after, ok := strings.CutPrefix(p, WorkspaceTarget); ok {
		if after != "" && !strings.HasPrefix(after, "/") {
			return "", fmt.Errorf("path %q is outside the workspace", rel)
		}
		p = strings.TrimPrefix(after, "/")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is outside the workspace", rel)
	}
	cleaned := path.Clean(filepath.ToSlash(p))
	if cleaned == "." || cleaned == "" {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return cleaned, nil
}
