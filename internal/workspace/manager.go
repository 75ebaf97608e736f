// Package workspace manages the on-disk materialization root the spec
// engine feeds to external tools. Nothing escapes the configured workdir.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Manager owns workdir/<projectID>/fragments/ trees. Writes are serialized
// per (project, path) so concurrent resolves of one project cannot interleave
// partial files.
type Manager struct {
	root  string
	globs []string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a workspace manager rooted at root. globs is the
// doublestar allowlist a fragment path must match (e.g. "**/*.cue").
func NewManager(root string, globs []string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	return &Manager{root: abs, globs: globs, locks: map[string]*sync.Mutex{}}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// MatchesGlobs reports whether a normalized fragment path is admitted by the
// configured allowlist.
func (m *Manager) MatchesGlobs(path string) bool {
	if len(m.globs) == 0 {
		return true
	}
	for _, g := range m.globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// ProjectDir returns the absolute directory for a project workspace.
func (m *Manager) ProjectDir(projectID string) string {
	return filepath.Join(m.root, projectID)
}

// FragmentsDir returns the directory fragments are materialized into.
func (m *Manager) FragmentsDir(projectID string) string {
	return filepath.Join(m.ProjectDir(projectID), "fragments")
}

// FragmentAbsPath resolves a normalized fragment path under the project's
// fragments directory, rejecting any result that escapes it.
func (m *Manager) FragmentAbsPath(projectID, normalized string) (string, error) {
	base := m.FragmentsDir(projectID)
	abs := filepath.Join(base, filepath.FromSlash(normalized))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project workspace", normalized)
	}
	return abs, nil
}

// WriteFragment materializes one fragment file, creating intermediate
// directories as needed.
func (m *Manager) WriteFragment(projectID, normalized, content string) error {
	abs, err := m.FragmentAbsPath(projectID, normalized)
	if err != nil {
		return err
	}

	lock := m.pathLock(projectID + "\x00" + normalized)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return fmt.Errorf("create fragment directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o640); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	return nil
}

// Cleanup removes a project's workspace entirely.
func (m *Manager) Cleanup(projectID string) error {
	dir := m.ProjectDir(projectID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	return nil
}

// GC removes workspaces whose project ids are not in keep. Called from the
// periodic maintenance job.
func (m *Manager) GC(keep map[string]struct{}) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		slog.Warn("Workspace GC skipped", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			slog.Warn("Workspace GC failed to remove stale workspace", "project", e.Name(), "error", err)
			continue
		}
		slog.Info("Removed stale workspace", "project", e.Name())
	}
}

// StaleFragments lists materialized files under a project workspace that
// match the fragment globs but are absent from the wanted set. The engine
// deletes these before a resolve so removed fragments stop influencing it.
func (m *Manager) StaleFragments(projectID string, wanted map[string]struct{}) ([]string, error) {
	base := m.FragmentsDir(projectID)
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("stat fragments dir: %w", err)
	}
	fsys := os.DirFS(base)

	var stale []string
	for _, g := range m.globs {
		matches, err := doublestar.Glob(fsys, g)
		if err != nil {
			return nil, fmt.Errorf("glob workspace: %w", err)
		}
		for _, rel := range matches {
			if _, ok := wanted[rel]; !ok {
				stale = append(stale, rel)
			}
		}
	}
	return stale, nil
}

// RemoveFragment deletes one materialized fragment file.
func (m *Manager) RemoveFragment(projectID, normalized string) error {
	abs, err := m.FragmentAbsPath(projectID, normalized)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fragment: %w", err)
	}
	return nil
}

func (m *Manager) pathLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
