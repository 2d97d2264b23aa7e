package path

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() map[string]any {
	return map[string]any{
		"id": float64(42),
		"user": map[string]any{
			"name":   "Ada",
			"emails": []any{"a@x.com", "b@x.com"},
		},
	}
}

func TestGet(t *testing.T) {
	raw := sample()

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"id", float64(42), true},
		{"user.name", "Ada", true},
		{"user.emails.1", "b@x.com", true},
		{"user.emails.7", nil, false},
		{"user.missing.deeper", nil, false},
		{"id.nested", nil, false},
		{"user.*", raw["user"], true},
		{"*", raw, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok, err := Get(raw, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet_Malformed(t *testing.T) {
	for _, p := range []string{"", "a..b", ".a", "a.", "a.*.b"} {
		_, _, err := Get(sample(), p)
		assert.True(t, errors.Is(err, ErrMalformed), "path %q", p)
	}
}

func TestSet_CreatesIntermediatesWithoutMutatingInput(t *testing.T) {
	raw := sample()

	out, err := Set(raw, "properties.address.city", "London")
	require.NoError(t, err)

	assert.Equal(t, "London", Value(out, "properties.address.city"))
	_, ok, _ := Get(raw, "properties")
	assert.False(t, ok, "input container must not be mutated")
	assert.Equal(t, "Ada", Value(out, "user.name"))
}

func TestSet_ArrayIndexExtends(t *testing.T) {
	out, err := Set(map[string]any{"tags": []any{"a"}}, "tags.2", "c")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", nil, "c"}, Value(out, "tags"))
}

func TestSet_ArrayIndexIsBounded(t *testing.T) {
	raw := map[string]any{"tags": []any{"a"}}

	out, err := Set(raw, "tags.99999999", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIndexRange))
	assert.Equal(t, raw, out)

	out, err = Set(raw, "tags."+strconv.Itoa(MaxIndex), "x")
	require.NoError(t, err)
	assert.Len(t, Value(out, "tags"), MaxIndex+1)
}

func TestSet_NoPartialApplyOnFailure(t *testing.T) {
	raw := sample()

	out, err := Set(raw, "user.name.first", "Ada")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotContainer))
	assert.Equal(t, raw, out)
	assert.Equal(t, "Ada", Value(raw, "user.name"))
}

func TestSet_WildcardReplacesContainer(t *testing.T) {
	out, err := Set(sample(), "user.*", map[string]any{"name": "Grace"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Grace"}, Value(out, "user"))

	root, err := Set(sample(), "*", "scalar")
	require.NoError(t, err)
	assert.Equal(t, "scalar", root)
}
