// Package crypts wraps every operation that touches private key material:
// AES-256-GCM encryption of keys at rest, PBKDF2 derivation of the
// key-encryption key, key pair generation, and scoped decrypt-use-discard
// signing access.
package crypts

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/addspin/subca/apperr"
)

// Cipher encrypts and decrypts key material with a 32-byte AES-256-GCM key.
// The ciphertext layout is nonce || sealed.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypts: key must be 32 bytes")
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("crypts: ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	sealed := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// WithDecryptedKey decrypts a PEM-encoded private key, hands the parsed
// signer to fn and wipes the plaintext on every exit path, including when fn
// fails. The signer must not be retained past fn's return.
func (c *Cipher) WithDecryptedKey(ciphertext []byte, fn func(crypto.Signer) error) error {
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return apperr.Crypto(err, "decrypt private key")
	}
	defer zero(plaintext)

	signer, err := ParsePrivateKeyPEM(plaintext)
	if err != nil {
		return apperr.Crypto(err, "parse private key")
	}
	return fn(signer)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
