package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

func TestDiff(t *testing.T) {
	tests := map[string]struct {
		old      string
		new      string
		expected map[string]Change
	}{
		"changed leaf": {
			old:      `{"a":1}`,
			new:      `{"a":2}`,
			expected: map[string]Change{"/a": {Old: float64(1), New: float64(2)}},
		},
		"added key": {
			old:      `{}`,
			new:      `{"b":1}`,
			expected: map[string]Change{"/b": {Old: nil, New: float64(1)}},
		},
		"removed key is not reported": {
			old:      `{"c":1}`,
			new:      `{}`,
			expected: map[string]Change{},
		},
		"identical documents": {
			old:      `{"a":{"b":[1,2]}}`,
			new:      `{ "a": { "b": [1, 2] } }`,
			expected: map[string]Change{},
		},
		"nested change": {
			old:      `{"loadProfile":{"type":"CONSTANT","targetRps":100},"name":"x"}`,
			new:      `{"loadProfile":{"type":"RAMP","targetRps":100},"name":"x"}`,
			expected: map[string]Change{"/loadProfile/type": {Old: "CONSTANT", New: "RAMP"}},
		},
		"arrays compared by index over the new array": {
			old:      `{"bursts":[{"rps":1},{"rps":2},{"rps":3}]}`,
			new:      `{"bursts":[{"rps":1},{"rps":5}]}`,
			expected: map[string]Change{"/bursts/1/rps": {Old: float64(2), New: float64(5)}},
		},
		"array grows": {
			old:      `{"tags":["a"]}`,
			new:      `{"tags":["a","b"]}`,
			expected: map[string]Change{"/tags/1": {Old: nil, New: "b"}},
		},
		"value replaced by object": {
			old:      `{"retry":null}`,
			new:      `{"retry":{"maxAttempts":3}}`,
			expected: map[string]Change{"/retry/maxAttempts": {Old: nil, New: float64(3)}},
		},
		"value replaced by empty object": {
			old:      `{"a":1}`,
			new:      `{"a":{}}`,
			expected: map[string]Change{"/a": {Old: float64(1), New: map[string]interface{}{}}},
		},
		"value replaced by empty array": {
			old:      `{"a":"x"}`,
			new:      `{"a":[]}`,
			expected: map[string]Change{"/a": {Old: "x", New: []interface{}{}}},
		},
		"number replaced by object": {
			old:      `{"a":1}`,
			new:      `{"a":{"b":2}}`,
			expected: map[string]Change{"/a": {Old: float64(1), New: map[string]interface{}{"b": float64(2)}}},
		},
		"array replaced by object": {
			old:      `{"a":[1]}`,
			new:      `{"a":{"0":1}}`,
			expected: map[string]Change{"/a": {Old: []interface{}{float64(1)}, New: map[string]interface{}{"0": float64(1)}}},
		},
		"added empty object": {
			old:      `{}`,
			new:      `{"a":{}}`,
			expected: map[string]Change{"/a": {Old: nil, New: map[string]interface{}{}}},
		},
		"object replaced by value": {
			old:      `{"retry":{"maxAttempts":3}}`,
			new:      `{"retry":false}`,
			expected: map[string]Change{"/retry": {Old: map[string]interface{}{"maxAttempts": float64(3)}, New: false}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			changes, err := Diff(tc.old, tc.new)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, changes)
		})
	}
}

func TestDiff_InvalidJson(t *testing.T) {
	_, err := Diff(`{"a":`, `{}`)
	assert.True(t, lgerrors.IsKind(err, lgerrors.InvalidArgument))

	_, err = Diff(`{}`, `nope`)
	assert.True(t, lgerrors.IsKind(err, lgerrors.InvalidArgument))
}
