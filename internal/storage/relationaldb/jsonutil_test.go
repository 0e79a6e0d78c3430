package relationaldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeStringMapShapes(t *testing.T) {
	// Storage returned text
	m, ok := DecodeStringMap(`{"table":"5"}`)
	assert.True(t, ok)
	assert.Equal(t, "5", m["table"])

	// Storage returned bytes
	m, ok = DecodeStringMap([]byte(`{"de":"Kaffee","en":"Coffee"}`))
	assert.True(t, ok)
	assert.Equal(t, "Kaffee", m["de"])

	// Storage returned a decoded object
	m, ok = DecodeStringMap(map[string]interface{}{"en": "Coffee"})
	assert.True(t, ok)
	assert.Equal(t, "Coffee", m["en"])

	// NULL column
	m, ok = DecodeStringMap(nil)
	assert.True(t, ok)
	assert.Empty(t, m)
}

func TestDecodeStringMapParseFailure(t *testing.T) {
	m, ok := DecodeStringMap("not json at all")
	assert.False(t, ok)
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestEncodeJSONNil(t *testing.T) {
	s, err := EncodeJSON(nil)
	assert.NoError(t, err)
	assert.Equal(t, "{}", s)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrConflict))
	assert.True(t, IsConflict(NewQueryError("update", "write failed", assert.AnError)) == false)
}
