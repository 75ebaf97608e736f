package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/diag"
	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

// writeFakeTool materializes a shell script standing in for the CUE binary.
func writeFakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cue")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newEngineWith(t *testing.T, binary string, timeoutMs int) *Engine {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), []string{"**/*.cue"})
	require.NoError(t, err)
	return New(ws, config.ToolsConfig{
		ValidatorBinary: binary,
		ProjectorBinary: binary,
		FormatterBinary: binary,
		ToolTimeoutMs:   timeoutMs,
	}, 2, nil)
}

var testFragments = []store.Fragment{
	{ProjectID: "p1", Path: "services.cue", Content: "services: api: description: \"d\"\n"},
}

func TestValidateProjectSuccess(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
vet) exit 0;;
export) printf '%s' '{"services":{"api":{"description":"d"}}}';;
esac
`)
	e := newEngineWith(t, bin, 5000)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Len(t, res.SpecHash, 64)
	assert.Empty(t, res.Diagnostics)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "api", res.Artifacts[0].Name)
	assert.JSONEq(t, `{"services":{"api":{"description":"d"}}}`, string(res.CanonicalJSON))
}

func TestValidateProjectTranslatesVetFailure(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
vet) echo 'service.port: conflicting values 8080 and "8080"' >&2; exit 1;;
esac
`)
	e := newEngineWith(t, bin, 5000)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, diag.CategoryTypes, res.Diagnostics[0].Category)
	assert.Contains(t, res.Diagnostics[0].FriendlyMessage, "Type conflict")
}

func TestValidateProjectSpawnFailure(t *testing.T) {
	e := newEngineWith(t, "/nonexistent/cue-binary", 5000)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "CUE validation error", res.Diagnostics[0].FriendlyMessage)
}

func TestValidateProjectTimeout(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
vet) sleep 5;;
esac
`)
	e := newEngineWith(t, bin, 150)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "timeout", res.Diagnostics[0].ErrorType)
}

func TestValidateProjectBadExportOutput(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
vet) exit 0;;
export) printf 'not json';;
esac
`)
	e := newEngineWith(t, bin, 5000)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "export_decode", res.Diagnostics[0].ErrorType)
}

func TestValidateProjectAssertionFailure(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
vet) exit 0;;
export) printf '%s' '{"services":{"api":{"host":"${DB_HOST}"}}}';;
esac
`)
	e := newEngineWith(t, bin, 5000)

	res, err := e.ValidateProject(context.Background(), "p1", testFragments)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Empty(t, res.SpecHash)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "assertion", res.Diagnostics[0].ErrorType)
}

func TestFormatFragment(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
fmt) cat;;
esac
`)
	e := newEngineWith(t, bin, 5000)

	out, err := e.FormatFragment(context.Background(), "a: 1\n")
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", out)
}

func TestFormatFragmentRejection(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
fmt) echo 'expected operand, found newline' >&2; exit 1;;
esac
`)
	e := newEngineWith(t, bin, 5000)

	_, err := e.FormatFragment(context.Background(), "a: {\n")
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryValidation))
}

func TestFormatFragmentUsesAnalysisTimeout(t *testing.T) {
	bin := writeFakeTool(t, `case "$1" in
fmt) sleep 5;;
esac
`)
	ws, err := workspace.NewManager(t.TempDir(), []string{"**/*.cue"})
	require.NoError(t, err)
	e := New(ws, config.ToolsConfig{
		ValidatorBinary:   bin,
		ProjectorBinary:   bin,
		FormatterBinary:   bin,
		ToolTimeoutMs:     10_000,
		AnalysisTimeoutMs: 150,
	}, 2, nil)

	_, err = e.FormatFragment(context.Background(), "a: 1\n")
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryTool))
	assert.Contains(t, err.Error(), "150ms")
}

func TestUpdateToolsTakesEffect(t *testing.T) {
	e := newEngineWith(t, "/nonexistent/cue-binary", 5000)

	_, err := e.FormatFragment(context.Background(), "a: 1\n")
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryTool))

	bin := writeFakeTool(t, `case "$1" in
fmt) cat;;
esac
`)
	e.UpdateTools(config.ToolsConfig{
		ValidatorBinary: bin,
		ProjectorBinary: bin,
		FormatterBinary: bin,
		ToolTimeoutMs:   5000,
	})

	out, err := e.FormatFragment(context.Background(), "a: 1\n")
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", out)
}

func TestValidateProjectFreshWorkspaceWithoutFragments(t *testing.T) {
	bin := writeFakeTool(t, `exit 0`)
	e := newEngineWith(t, bin, 5000)

	// No fragments were ever materialized, so the stale scan finds no
	// workspace dir. That must not surface as an infrastructure error.
	_, err := e.ValidateProject(context.Background(), "fresh", nil)
	require.NoError(t, err)
}
