package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateConflictingValues(t *testing.T) {
	stderr := "service.port: conflicting values 8080 and \"8080\" (mismatched types int and string)\n" +
		"    ./services.cue:12:5\n"

	diags := Translate(stderr)
	require.Len(t, diags, 1)

	d := diags[0]
	assert.Equal(t, CategoryTypes, d.Category)
	assert.Equal(t, "conflicting_values", d.ErrorType)
	assert.Equal(t, "Type conflict: service.port is assigned incompatible values", d.FriendlyMessage)
	assert.Equal(t, "services.cue", d.Filename)
	assert.Equal(t, 12, d.Line)
	assert.Equal(t, 5, d.Column)
	assert.NotEmpty(t, d.Suggestions)
}

func TestTranslateLineKinds(t *testing.T) {
	tests := []struct {
		line      string
		category  Category
		errorType string
	}{
		{`db.host: incomplete value string`, CategoryValidation, "incomplete_value"},
		{`api.portt: field not allowed`, CategoryStructure, "field_not_allowed"},
		{`api: reference "shared" not found`, CategoryReferences, "reference_not_found"},
		{`api: undefined field: "por"`, CategoryReferences, "undefined_field"},
		{`svc.cue: expected operand, found '}'`, CategorySyntax, "syntax_error"},
		{`something entirely novel happened`, CategoryValidation, "unknown"},
	}

	for _, test := range tests {
		d := translateLine(test.line)
		assert.Equal(t, test.category, d.Category, "line %q", test.line)
		assert.Equal(t, test.errorType, d.ErrorType, "line %q", test.line)
		assert.Equal(t, test.line, d.RawMessage)
	}
}

func TestTranslateMultipleDiagnostics(t *testing.T) {
	stderr := "a: conflicting values 1 and 2\n" +
		"    ./a.cue:1:1\n" +
		"b: incomplete value int\n" +
		"    ./b.cue:2:3\n"

	diags := Translate(stderr)
	require.Len(t, diags, 2)
	assert.Equal(t, "a.cue", diags[0].Filename)
	assert.Equal(t, "b.cue", diags[1].Filename)
	assert.Equal(t, 2, diags[1].Line)
}

func TestTranslateEmptyInput(t *testing.T) {
	assert.Empty(t, Translate(""))
	assert.Empty(t, Translate("\n\n  \n"))
}

func TestFromExitNeverEmpty(t *testing.T) {
	diags := FromExit("")
	require.Len(t, diags, 1)
	assert.Equal(t, "unknown", diags[0].ErrorType)
}

func TestSpawnFailureDiagnostic(t *testing.T) {
	d := SpawnFailure("exec: \"cue\": executable file not found in $PATH")
	assert.Equal(t, "CUE validation error", d.FriendlyMessage)
	assert.Equal(t, "spawn_failure", d.ErrorType)
	assert.NotEmpty(t, d.Suggestions)
}
