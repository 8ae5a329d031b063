package infrastructure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("panel-secret")
	require.NoError(t, err)

	enc, err := c.Encrypt("s3nh@-do-painel")
	require.NoError(t, err)
	assert.NotEqual(t, "s3nh@-do-painel", enc)

	again, err := c.Encrypt("s3nh@-do-painel")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "each encryption uses a fresh nonce")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "s3nh@-do-painel", plain)
}

func TestCipher_EmptyStaysEmpty(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)

	enc, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestCipher_LegacyPlainTextPassesThrough(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)

	for _, legacy := range []string{"user123", "not base64!", "YWJj"} {
		dec, err := c.Decrypt(legacy)
		require.NoError(t, err)
		assert.Equal(t, legacy, dec)
	}
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a, _ := NewCipher("key-a")
	b, _ := NewCipher("key-b")

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}

func TestNewCipher_RequiresKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
