package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T, legacy bool) *Cipher {
	t.Helper()
	c, err := NewCipher(CipherConfig{
		Key:                     "test-passphrase-not-a-raw-key",
		LegacyPlaintextFallback: legacy,
	})
	require.NoError(t, err)
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t, false)

	for _, plaintext := range []string{
		"",
		"a",
		"refresh-token-4f2c1a9b",
		strings.Repeat("long-token-", 100),
		"unicode-ключ-令牌",
	} {
		token, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.True(t, c.IsEncrypted(token))

		got, err := c.Open(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipherNoncesAreUnique(t *testing.T) {
	c := newTestCipher(t, false)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipherRawKeyAccepted(t *testing.T) {
	rawKey := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	c, err := NewCipher(CipherConfig{Key: rawKey})
	require.NoError(t, err)

	token, err := c.Encrypt("secret")
	require.NoError(t, err)

	got, err := c.Open(token)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestCipherTamperedTokenFailsClosed(t *testing.T) {
	c := newTestCipher(t, false)

	token, err := c.Encrypt("access-token-value")
	require.NoError(t, err)

	tampered := flipCiphertextByte(t, token)

	// Structural check does not attempt decryption.
	assert.True(t, c.IsEncrypted(tampered))

	_, err = c.Open(tampered)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = c.Decrypt(tampered)
	assert.Error(t, err)
}

func TestCipherTamperedTokenPassesThroughInLegacyMode(t *testing.T) {
	c := newTestCipher(t, true)

	token, err := c.Encrypt("access-token-value")
	require.NoError(t, err)
	tampered := flipCiphertextByte(t, token)

	got, err := c.Decrypt(tampered)
	require.NoError(t, err)
	// Never silently produces wrong plaintext: the tampered token comes back
	// unchanged.
	assert.Equal(t, tampered, got)
}

func TestCipherLegacyPlaintextPassthrough(t *testing.T) {
	legacyOn := newTestCipher(t, true)
	legacyOff := newTestCipher(t, false)

	plain := "legacy-unencrypted-refresh-token"
	assert.False(t, legacyOn.IsEncrypted(plain))

	got, err := legacyOn.Decrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = legacyOff.Decrypt(plain)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestCipherWrongKeyFails(t *testing.T) {
	a := newTestCipher(t, false)
	b, err := NewCipher(CipherConfig{Key: "a-different-passphrase"})
	require.NoError(t, err)

	token, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Open(token)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

// flipCiphertextByte flips one byte inside the ciphertext segment while
// keeping the token structurally valid.
func flipCiphertextByte(t *testing.T, token string) string {
	t.Helper()
	parts := strings.Split(token, ":")
	require.Len(t, parts, 3)

	raw, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	raw[0] ^= 0xFF
	parts[2] = base64.StdEncoding.EncodeToString(raw)
	return strings.Join(parts, ":")
}
