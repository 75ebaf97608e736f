package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), []string{"**/*.cue"})
	require.NoError(t, err)
	return m
}

func TestWriteFragmentCreatesFile(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.WriteFragment("p1", "dir/services.cue", "services: {}"))

	abs := filepath.Join(m.FragmentsDir("p1"), "dir", "services.cue")
	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "services: {}", string(data))
}

func TestFragmentAbsPathRejectsEscape(t *testing.T) {
	m := newTestManager(t)

	_, err := m.FragmentAbsPath("p1", "../../outside.cue")
	assert.Error(t, err)
}

func TestMatchesGlobs(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.MatchesGlobs("services.cue"))
	assert.True(t, m.MatchesGlobs("deep/nested/file.cue"))
	assert.False(t, m.MatchesGlobs("README.md"))
	assert.False(t, m.MatchesGlobs("script.sh"))
}

func TestStaleFragments(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WriteFragment("p1", "keep.cue", "a: 1"))
	require.NoError(t, m.WriteFragment("p1", "drop.cue", "b: 2"))

	stale, err := m.StaleFragments("p1", map[string]struct{}{"keep.cue": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"drop.cue"}, stale)

	require.NoError(t, m.RemoveFragment("p1", "drop.cue"))
	stale, err = m.StaleFragments("p1", map[string]struct{}{"keep.cue": {}})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStaleFragmentsMissingWorkspace(t *testing.T) {
	m := newTestManager(t)

	stale, err := m.StaleFragments("never-materialized", map[string]struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Empty(t, stale)
}

func TestCleanupRemovesProjectDir(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WriteFragment("p1", "a.cue", "a: 1"))

	require.NoError(t, m.Cleanup("p1"))
	_, err := os.Stat(m.ProjectDir("p1"))
	assert.True(t, os.IsNotExist(err))
}

func TestGCKeepsListedProjects(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.WriteFragment("keep", "a.cue", "a: 1"))
	require.NoError(t, m.WriteFragment("stale", "a.cue", "a: 1"))

	m.GC(map[string]struct{}{"keep": {}})

	_, err := os.Stat(m.ProjectDir("keep"))
	assert.NoError(t, err)
	_, err = os.Stat(m.ProjectDir("stale"))
	assert.True(t, os.IsNotExist(err))
}
