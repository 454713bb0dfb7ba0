package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		prev any
		cur  any
	}{
		{name: "empty to empty", prev: map[string]any{}, cur: map[string]any{}},
		{name: "empty to populated", prev: map[string]any{}, cur: map[string]any{"a": 1, "b": "x"}},
		{name: "absent previous", prev: nil, cur: map[string]any{"wells": map[string]any{"A1": 50}}},
		{name: "nested replace", prev: map[string]any{"deck": map[string]any{"A1": 100, "A2": 0}}, cur: map[string]any{"deck": map[string]any{"A1": 80, "A2": 20}}},
		{name: "key removed", prev: map[string]any{"a": 1, "b": 2}, cur: map[string]any{"a": 1}},
		{name: "array grows", prev: []any{1}, cur: []any{1, 2, 3}},
		{name: "array shrinks", prev: map[string]any{"list": []any{1, 2, 3, 4}}, cur: map[string]any{"list": []any{1}}},
		{name: "array of maps", prev: []any{map[string]any{"v": 1}, map[string]any{"v": 2}}, cur: []any{map[string]any{"v": 1}, map[string]any{"v": 3, "w": true}}},
		{name: "type change", prev: map[string]any{"a": []any{1}}, cur: map[string]any{"a": map[string]any{"x": 1}}},
		{name: "scalar root", prev: "idle", cur: "busy"},
		{name: "to null", prev: map[string]any{"a": 1}, cur: nil},
		{name: "escaped keys", prev: map[string]any{"a/b": 1, "c~d": 2}, cur: map[string]any{"a/b": 2, "c~d": 3, "": 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := Diff(tt.prev, tt.cur)
			require.NoError(t, err)

			got, err := Apply(tt.prev, patch)
			require.NoError(t, err)

			want, err := Normalize(tt.cur)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDiff_EqualReturnsNil(t *testing.T) {
	state := map[string]any{
		"wells": map[string]any{"A1": 100, "B1": []any{1, 2}},
		"tips":  12,
	}
	patch, err := Diff(state, CloneValue(state))
	require.NoError(t, err)
	assert.Nil(t, patch)

	// Applying a nil patch is the identity.
	got, err := Apply(state, patch)
	require.NoError(t, err)
	want, _ := Normalize(state)
	assert.Equal(t, want, got)
}

func TestDiff_NumbersCompareStructurally(t *testing.T) {
	patch, err := Diff(map[string]any{"v": 1}, map[string]any{"v": 1.0})
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestDiff_LargeIntegers(t *testing.T) {
	prev := map[string]any{"counter": int64(9007199254740992)}
	cur := map[string]any{"counter": int64(9007199254740993)}

	patch, err := Diff(prev, cur)
	require.NoError(t, err)
	require.Len(t, patch, 1, "integers above 2^53 must not collapse")
	assert.Equal(t, json.Number("9007199254740993"), patch[0].Value)

	got, err := Apply(prev, patch)
	require.NoError(t, err)
	want, err := Normalize(cur)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"counter":9007199254740993}`, string(data))

	same, err := Diff(cur, map[string]any{"counter": json.Number("9007199254740993.0")})
	require.NoError(t, err)
	assert.Nil(t, same, "equal values in different notation are equal")
}

func TestNormalize_Numbers(t *testing.T) {
	got, err := Normalize(map[string]any{"small": 3, "decimal": 0.1, "huge": uint64(18446744073709551615)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"small":   3.0,
		"decimal": 0.1,
		"huge":    json.Number("18446744073709551615"),
	}, got)
}

func TestDiff_StructAndMapAreEquivalent(t *testing.T) {
	type well struct {
		Volume float64 `json:"volume"`
	}
	patch, err := Diff(map[string]any{"volume": 10}, well{Volume: 10})
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestDiff_AbsentPreviousIsFullSnapshot(t *testing.T) {
	cur := map[string]any{"a": 1}
	patch, err := Diff(nil, cur)
	require.NoError(t, err)
	require.Len(t, patch, 1)
	assert.Equal(t, OpReplace, patch[0].Op)
	assert.Equal(t, "", patch[0].Path)
	assert.Equal(t, map[string]any{"a": 1.0}, patch[0].Value)
}

func TestDiff_OnlyChangedPaths(t *testing.T) {
	prev := map[string]any{"A1": 100, "A2": 100, "A3": 100}
	cur := map[string]any{"A1": 100, "A2": 60, "A3": 100}

	patch, err := Diff(prev, cur)
	require.NoError(t, err)
	assert.Equal(t, Patch{{Op: OpReplace, Path: "/A2", Value: 60.0}}, patch)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	prev := map[string]any{"a": map[string]any{"b": 1.0}}
	_, err := Apply(prev, Patch{{Op: OpReplace, Path: "/a/b", Value: 2}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, prev["a"].(map[string]any)["b"])
}

func TestApply_InvalidPatch(t *testing.T) {
	tests := []struct {
		name  string
		doc   any
		patch Patch
	}{
		{name: "replace missing key", doc: map[string]any{}, patch: Patch{{Op: OpReplace, Path: "/x", Value: 1}}},
		{name: "remove missing key", doc: map[string]any{}, patch: Patch{{Op: OpRemove, Path: "/x"}}},
		{name: "index out of range", doc: []any{1}, patch: Patch{{Op: OpRemove, Path: "/3"}}},
		{name: "path through scalar", doc: map[string]any{"a": 1}, patch: Patch{{Op: OpAdd, Path: "/a/b", Value: 1}}},
		{name: "unknown op", doc: map[string]any{"a": 1}, patch: Patch{{Op: "move", Path: "/a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.doc, tt.patch)
			assert.ErrorIs(t, err, ErrInvalidPatch)
		})
	}
}
