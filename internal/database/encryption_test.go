package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)
	require.True(t, enc.enabled())

	for _, plaintext := range []string{"hello", "Hello 世界", "!@#$%^&*()"} {
		ciphertext, err := enc.encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := enc.decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptor_EmptyPassesThrough(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	out, err := enc.encrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, enc.encryptForLookup(""))
}

func TestEncryptor_RandomNonce(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	a, err := enc.encrypt("same")
	require.NoError(t, err)
	b, err := enc.encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_LookupIsDeterministic(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	a := enc.encryptForLookup("widget")
	assert.Equal(t, a, enc.encryptForLookup("widget"))
	assert.NotEqual(t, a, enc.encryptForLookup("widget2"))

	plain, err := enc.decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "widget", plain)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := newEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.enabled())

	out, err := enc.encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
	assert.Equal(t, "plain", enc.encryptForLookup("plain"))
}

func TestEncryptor_DecryptErrors(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	_, err = enc.decrypt("not base64!")
	assert.Error(t, err)
	_, err = enc.decrypt("AAAA")
	assert.Error(t, err)

	other, err := newEncryptor(testSecret + "-other")
	require.NoError(t, err)
	ciphertext, err := enc.encrypt("value")
	require.NoError(t, err)
	_, err = other.decrypt(ciphertext)
	assert.Error(t, err)
}
