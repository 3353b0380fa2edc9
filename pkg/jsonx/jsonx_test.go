package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"fence without tag", "```\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around object", `Sure! Here you go: {"a":1} Hope that helps.`, `{"a":1}`, true},
		{"braces inside strings", `{"text":"nested {curly} braces"}`, `{"text":"nested {curly} braces"}`, true},
		{"escaped quote inside string", `{"q":"she said \"hi\" {"}`, `{"q":"she said \"hi\" {"}`, true},
		{"array value", `the list is [1,2,3]`, `[1,2,3]`, true},
		{"nested objects", `{"outer":{"inner":[1,2]}}`, `{"outer":{"inner":[1,2]}}`, true},
		{"no json at all", "plain prose", "", false},
		{"unbalanced", `{"a":1`, "", false},
		{"invalid body", `{a:1}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.in)
			if !tt.valid {
				require.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshal(t *testing.T) {
	var out struct {
		Skills []string `json:"skills"`
	}
	err := Unmarshal("```json\n{\"skills\": [\"web_search\"]}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, out.Skills)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, "no fences here", StripFences("  no fences here  "))
	// A fence line that is already payload must survive.
	assert.Equal(t, `{"a":1}`, StripFences("```{\"a\":1}\n```"))
}
