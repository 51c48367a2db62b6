package crypts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordVerification(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	hash := HashPassword([]byte("correct horse"), salt)

	assert.True(t, VerifyPassword([]byte("correct horse"), salt, hash))
	assert.False(t, VerifyPassword([]byte("wrong"), salt, hash))

	otherSalt, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt, otherSalt)
	assert.False(t, VerifyPassword([]byte("correct horse"), otherSalt, hash),
		"the salt must bind the hash")
}
