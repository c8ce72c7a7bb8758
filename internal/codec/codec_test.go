package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattedRoundTrip(t *testing.T) {
	c := Flatted()
	cases := map[string]any{
		"nil":    nil,
		"number": float64(42),
		"bool":   true,
		"string": "hello",
		"object": map[string]any{"a": float64(1), "b": "two", "c": []any{"x", "x", nil}},
		"array":  []any{float64(1), "a", map[string]any{"k": false}},
		"empty":  map[string]any{},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := c.Encode(in)
			require.NoError(t, err)
			out, err := c.Decode(s)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestFlattedKnownEncoding(t *testing.T) {
	s, err := Flatted().Encode(map[string]any{"b": "x", "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `[{"a":"1","b":"1"},"x"]`, s)
}

func TestFlattedSelfReference(t *testing.T) {
	obj := map[string]any{"name": "root"}
	obj["self"] = obj

	s, err := Flatted().Encode(obj)
	require.NoError(t, err)

	out, err := Flatted().Decode(s)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", m["name"])

	self, ok := m["self"].(map[string]any)
	require.True(t, ok)
	self["marker"] = true
	assert.Equal(t, true, m["marker"], "self reference should decode to the same map")
}

func TestFlattedSharedReference(t *testing.T) {
	shared := map[string]any{"v": float64(1)}
	in := []any{shared, shared}

	s, err := Flatted().Encode(in)
	require.NoError(t, err)
	out, err := Flatted().Decode(s)
	require.NoError(t, err)

	arr := out.([]any)
	first := arr[0].(map[string]any)
	first["v"] = float64(2)
	assert.Equal(t, float64(2), arr[1].(map[string]any)["v"])
}

func TestFlattedCyclicSlice(t *testing.T) {
	inner := map[string]any{}
	list := []any{"a", inner}
	inner["list"] = list

	s, err := Flatted().Encode(list)
	require.NoError(t, err)
	out, err := Flatted().Decode(s)
	require.NoError(t, err)

	arr := out.([]any)
	require.Len(t, arr, 2)
	back := arr[1].(map[string]any)["list"].([]any)
	assert.Same(t, &arr[0], &back[0])
}

func TestFlattedNormalizesTypedValues(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Count int      `json:"count"`
	}
	s, err := Flatted().Encode(map[string]any{"p": payload{Name: "n", Tags: []string{"t"}, Count: 3}})
	require.NoError(t, err)
	out, err := Flatted().Decode(s)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"p": map[string]any{"name": "n", "tags": []any{"t"}, "count": float64(3)}}, out)
}

func TestFlattedDecodeErrors(t *testing.T) {
	tests := []string{`[]`, `[{"a":"9"}]`, `[{"a":"x"}]`, `not json`}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Flatted().Decode(in)
			require.Error(t, err)
		})
	}
	_, err := Flatted().Decode(`[{"a":"9"}]`)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestJSONRejectsCycles(t *testing.T) {
	obj := map[string]any{}
	obj["self"] = obj
	_, err := JSON().Encode(obj)
	require.Error(t, err)

	s, err := JSON().Encode(map[string]any{"a": float64(1)})
	require.NoError(t, err)
	out, err := JSON().Decode(s)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, out)
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": "flatted", "FLATTED": "flatted", "json": "json"} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := ByName("gob")
	require.Error(t, err)
}
