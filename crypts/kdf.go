package crypts

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32     // AES-256 key size in bytes
	Iterations = 100000 // PBKDF2 iterations
)

// DeriveKey derives the key-encryption key from the operator-supplied
// passphrase and salt.
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, Iterations, KeySize, sha256.New)
}
