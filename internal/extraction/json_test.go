package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		key  string
		want any
	}{
		{name: "plain", raw: `{"a": 1}`, key: "a", want: float64(1)},
		{name: "code fence", raw: "Here you go:\n```json\n{\"a\": \"x\"}\n```\nThanks", key: "a", want: "x"},
		{name: "prose with braces in strings", raw: `Sure! {"note": "use } carefully", "b": 2} and {x}`, key: "note", want: "use } carefully"},
		{name: "trailing commas", raw: `{"a": [1, 2,], }`, key: "a", want: []any{float64(1), float64(2)}},
		{name: "nested", raw: `result: {"outer": {"inner": true}} done`, key: "outer", want: map[string]any{"inner": true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			obj, err := ExtractJSONObject(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obj[tt.key])
		})
	}
}

func TestExtractJSONObject_NoObject(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "no json here", "[1, 2]", `{"unterminated": `} {
		_, err := ExtractJSONObject(raw)
		assert.ErrorIs(t, err, ErrNoJSONObject, raw)
	}
}
