package sanitize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/sanitize"
)

func TestCleanDropsNilKeysRecursively(t *testing.T) {
	var missing *string
	in := map[string]any{
		"title":   "Spec",
		"gone":    nil,
		"ptr":     missing,
		"enabled": false,
		"nested": map[string]any{
			"keep":  1,
			"drop":  nil,
			"inner": map[string]any{"drop": nil, "keep": "x"},
		},
	}
	out := sanitize.Clean(in)
	assert.Equal(t, map[string]any{
		"title":   "Spec",
		"enabled": false,
		"nested": map[string]any{
			"keep":  1,
			"inner": map[string]any{"keep": "x"},
		},
	}, out)
	_, stillThere := in["gone"]
	assert.True(t, stillThere, "input must not be modified")
}

func TestCleanPassesSequencesThrough(t *testing.T) {
	seq := []any{nil, map[string]any{"a": nil}, "x"}
	out := sanitize.Clean(map[string]any{"phases": seq})
	require.Contains(t, out, "phases")
	assert.Equal(t, seq, out["phases"])
}

func TestCleanIsIdempotent(t *testing.T) {
	in := map[string]any{
		"a": nil,
		"b": map[string]any{"c": nil, "d": []any{nil}},
		"e": "f",
	}
	once := sanitize.Clean(in)
	assert.Equal(t, once, sanitize.Clean(once))
}

func TestCleanNil(t *testing.T) {
	assert.Nil(t, sanitize.Clean(nil))
	assert.Equal(t, map[string]any{}, sanitize.Clean(map[string]any{}))
}
