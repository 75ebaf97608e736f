package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"c": true, "b": "x", "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":null,"b":"x","c":true},"zebra":1}`, string(out))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	out, err := Canonicalize(map[string]any{"list": []any{3, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[3,1,2]}`, string(out))
}

func TestCanonicalizeDoesNotEscapeHTML(t *testing.T) {
	out, err := Canonicalize(map[string]any{"url": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a<b>&c"}`, string(out))
}

func TestSpecHashInsensitiveToKeyOrder(t *testing.T) {
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"x":1,"y":{"p":2,"q":3}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"y":{"q":3,"p":2},"x":1}`), &b))

	hashA, _, err := SpecHash(a)
	require.NoError(t, err)
	hashB, _, err := SpecHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestSpecHashChangesWithContent(t *testing.T) {
	hashA, _, err := SpecHash(map[string]any{"x": 1})
	require.NoError(t, err)
	hashB, _, err := SpecHash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}
