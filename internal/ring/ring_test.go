package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	plaintext := []byte("a swim datagram payload")
	aad := []byte{1, 0}

	sealed, err := c.Seal(plaintext, aad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("payload"), []byte{1, 0})
	require.NoError(t, err)

	_, err = c.Open(sealed, []byte{1, 1})
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher(testKey())
	require.NoError(t, err)
	var otherKey Key
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	c2, err := NewCipher(otherKey)
	require.NoError(t, err)

	sealed, err := c1.Seal([]byte("payload"), nil)
	require.NoError(t, err)

	_, err = c2.Open(sealed, nil)
	assert.Error(t, err)
}

func TestSealProducesDistinctNoncesPerCall(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.Seal([]byte("payload"), nil)
	require.NoError(t, err)
	b, err := c.Seal([]byte("payload"), nil)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b))
}

func TestParseKeyRejectsWrongLength(t *testing.T) {
	_, err := ParseKey([]byte("too short"))
	assert.Error(t, err)
}
