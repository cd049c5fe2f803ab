package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_IgnoresExtraKeysByDefault(t *testing.T) {
	r := &recorder{}
	ja := NewJSONAsserter(r)

	assert.True(t, ja.Assert(`{"uuid":"a","rssi":-40,"version":"v5"}`, `{"uuid":"a","version":"v5"}`))
	assert.Empty(t, r.failures)
}

func TestJSONAsserter_StrictKeys(t *testing.T) {
	ja := NewJSONAsserter(&recorder{}, WithIgnoreExtraKeys(false))

	assert.NotEmpty(t, ja.Diff(`{"uuid":"a","rssi":-40}`, `{"uuid":"a"}`))
}

func TestJSONAsserter_RootArrays(t *testing.T) {
	ja := NewJSONAsserter(&recorder{})

	assert.Empty(t, ja.Diff(`[{"uuid":"a","x":1},{"uuid":"b"}]`, `[{"uuid":"a"},{"uuid":"b"}]`))
	diff := ja.Diff(`[{"uuid":"a"},{"uuid":"c"}]`, `[{"uuid":"a"},{"uuid":"b"}]`)
	assert.Contains(t, diff, `"b"`)
	assert.Contains(t, diff, `"c"`)
}

func TestJSONAsserter_Presence(t *testing.T) {
	ja := NewJSONAsserter(&recorder{})

	assert.Empty(t, ja.Diff(`{"date":"2024-01-01T00:00:00Z","t":1}`, `{"date":"`+Presence+`","t":1}`))
	assert.NotEmpty(t, ja.Diff(`{"t":1}`, `{"date":"`+Presence+`","t":1}`), "a placeholder still requires the key")
}

func TestJSONAsserter_IgnoredFields(t *testing.T) {
	ja := NewJSONAsserter(&recorder{}, WithIgnoredFields("rssi"))

	assert.Empty(t, ja.Diff(`[{"uuid":"a","rssi":-40}]`, `[{"uuid":"a","rssi":-90}]`))
}

func TestJSONAsserter_InvalidInput(t *testing.T) {
	r := &recorder{}
	ja := NewJSONAsserter(r)

	assert.False(t, ja.Assert(`{`, `{}`))
	assert.Contains(t, r.failures[0], "invalid actual JSON")
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
}
