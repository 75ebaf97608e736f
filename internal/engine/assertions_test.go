package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), []string{"**/*.cue"})
	require.NoError(t, err)
	return New(ws, config.ToolsConfig{ValidatorBinary: "cue", ToolTimeoutMs: 5000}, 2, nil)
}

func TestRunAssertionsFlagsUnresolvedTemplate(t *testing.T) {
	e := newTestEngine(t)
	resolved := map[string]any{
		"services": map[string]any{"api": map[string]any{"host": "${DB_HOST}"}},
	}
	canonical, err := Canonicalize(resolved)
	require.NoError(t, err)

	diags := e.runAssertions(resolved, canonical)
	require.NotEmpty(t, diags)

	found := false
	for _, d := range diags {
		if strings.Contains(d.FriendlyMessage, "${DB_HOST}") {
			found = true
		}
	}
	assert.True(t, found, "expected a template diagnostic, got %+v", diags)
}

func TestRunAssertionsFlagsEmptySpec(t *testing.T) {
	e := newTestEngine(t)
	canonical := []byte("{}")

	diags := e.runAssertions(map[string]any{}, canonical)
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0].FriendlyMessage, "no capabilities")
}

func TestRunAssertionsCleanSpec(t *testing.T) {
	e := newTestEngine(t)
	resolved := map[string]any{
		"services": map[string]any{"api": map[string]any{"description": "d"}},
	}
	canonical, err := Canonicalize(resolved)
	require.NoError(t, err)

	assert.Empty(t, e.runAssertions(resolved, canonical))
}

func TestRunAssertionsSchemaViolation(t *testing.T) {
	e := newTestEngine(t)
	// A capability section mapping a name to a scalar violates the schema.
	resolved := map[string]any{
		"services": map[string]any{"api": "not an object"},
	}
	canonical, err := Canonicalize(resolved)
	require.NoError(t, err)

	diags := e.runAssertions(resolved, canonical)
	require.NotEmpty(t, diags)
	assert.Equal(t, "assertion", diags[0].ErrorType)
}

func TestRunCustomChecksDuplicateNames(t *testing.T) {
	e := newTestEngine(t)
	resolved := map[string]any{
		"services":  map[string]any{"shared": map[string]any{"description": "a"}},
		"databases": map[string]any{"shared": map[string]any{"description": "b"}},
	}

	errs, warnings := e.runCustomChecks(resolved)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].FriendlyMessage, `"shared"`)
	assert.Empty(t, warnings)
}

func TestRunCustomChecksMissingDescriptionWarns(t *testing.T) {
	e := newTestEngine(t)
	resolved := map[string]any{
		"services": map[string]any{"api": map[string]any{}},
	}

	errs, warnings := e.runCustomChecks(resolved)
	assert.Empty(t, errs)
	require.Len(t, warnings, 1)
	assert.Equal(t, "services.api", warnings[0].Path)
}
