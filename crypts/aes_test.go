package crypts

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addspin/subca/models"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(DeriveKey([]byte("correct horse battery staple"), []byte("per-install-salt")))
	require.NoError(t, err)
	return c
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("too short"))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintext := []byte("the quick brown fox")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("the quick brown fox"), got)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	c := testCipher(t)

	first, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	c := testCipher(t)
	ciphertext, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	other, err := NewCipher(DeriveKey([]byte("a different passphrase"), []byte("per-install-salt")))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	c := testCipher(t)
	_, err := c.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	first := DeriveKey([]byte("pass"), []byte("salt"))
	second := DeriveKey([]byte("pass"), []byte("salt"))
	assert.Equal(t, first, second)
	assert.Len(t, first, KeySize)

	differentSalt := DeriveKey([]byte("pass"), []byte("other salt"))
	assert.NotEqual(t, first, differentSalt)
}

func TestWithDecryptedKeyHandsOutWorkingSigner(t *testing.T) {
	c := testCipher(t)

	key, err := GenerateKeyPair(models.KeyECDSA, 256)
	require.NoError(t, err)
	keyPEM, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	keyEnc, err := c.Encrypt(keyPEM)
	require.NoError(t, err)

	var got crypto.PublicKey
	err = c.WithDecryptedKey(keyEnc, func(signer crypto.Signer) error {
		got = signer.Public()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, key.Public(), got)
}

func TestWithDecryptedKeyPropagatesCallbackError(t *testing.T) {
	c := testCipher(t)

	key, err := GenerateKeyPair(models.KeyEd25519, 0)
	require.NoError(t, err)
	keyPEM, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	keyEnc, err := c.Encrypt(keyPEM)
	require.NoError(t, err)

	sentinel := assert.AnError
	err = c.WithDecryptedKey(keyEnc, func(crypto.Signer) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestWithDecryptedKeyRejectsGarbageCiphertext(t *testing.T) {
	c := testCipher(t)
	called := false
	err := c.WithDecryptedKey([]byte("not a ciphertext at all"), func(crypto.Signer) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
