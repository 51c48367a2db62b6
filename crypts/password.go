package crypts

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const saltSize = 16

// HashPassword derives the stored PBKDF2-SHA256 hash of a login password
// under its per-user salt.
func HashPassword(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, Iterations, KeySize, sha256.New)
}

// NewSalt returns a fresh random per-user salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// VerifyPassword compares the password against the stored hash in constant
// time.
func VerifyPassword(password, salt, hash []byte) bool {
	return subtle.ConstantTimeCompare(HashPassword(password, salt), hash) == 1
}
