package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecrypt(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	for _, msg := range []string{"", "I would stay silent", "Я бы признался 🙂"} {
		enc, err := c.Encrypt(msg)
		require.NoError(t, err)
		if msg != "" {
			assert.NotContains(t, enc, msg)
		}

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, msg, dec)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKey(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)
	other, err := New(testKey + "x")
	require.NoError(t, err)

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecrypt_Garbage(t *testing.T) {
	c, err := New(testKey)
	require.NoError(t, err)

	_, err = c.Decrypt("not base64 !!")
	require.ErrorIs(t, err, ErrDecrypt)
	_, err = c.Decrypt("AAAA")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNew_EmptyPassphrase(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
}
