package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysRegardlessOfInputOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, string(encA), string(encB))
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(encA))
}

func TestHash_InvariantUnderKeyReordering(t *testing.T) {
	type Schema struct {
		Fields map[string]any
		Name   string
	}
	s1 := Schema{Name: "Invoice", Fields: map[string]any{"amount": "number", "id": "uuid"}}
	s2 := Schema{Name: "Invoice", Fields: map[string]any{"id": "uuid", "amount": "number"}}

	h1, err := Hash(s1)
	require.NoError(t, err)
	h2, err := Hash(s2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"x": 1, "y": []any{1, 2, 3}}
	h1 := MustHash(v)
	h2 := MustHash(v)
	assert.Equal(t, h1, h2)
}

func TestShortID_StablePaddedLength(t *testing.T) {
	id := ShortID([]byte{0x00, 0x01}, 6)
	assert.Len(t, id, 6)
}
