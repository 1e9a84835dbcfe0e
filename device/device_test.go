package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueIDRoundTrip(t *testing.T) {
	id, err := NewUniqueID()
	require.NoError(t, err)
	encoded := UniqueIDToString(id)
	assert.Len(t, encoded, 32)
	decoded, err := UniqueIDFromString(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestUniqueIDFromStringErrors(t *testing.T) {
	_, err := UniqueIDFromString("not-hex")
	require.Error(t, err)
	_, err = UniqueIDFromString("0102")
	require.Error(t, err)
}

func TestUniqueIDsDiffer(t *testing.T) {
	a, err := NewUniqueID()
	require.NoError(t, err)
	b, err := NewUniqueID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestReduceOpStrings(t *testing.T) {
	assert.Equal(t, "Sum", ReduceSum.String())
	assert.Equal(t, "Max", ReduceMax.String())
	op, err := ReduceOpString("prod")
	require.NoError(t, err)
	assert.Equal(t, ReduceProd, op)
	_, err = ReduceOpString("xor")
	require.Error(t, err)
}
