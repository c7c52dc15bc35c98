package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("pw123")
	require.NoError(t, err)

	assert.NotEqual(t, "pw123", hash)
	assert.True(t, CheckPassword(hash, "pw123"))
	assert.False(t, CheckPassword(hash, "pw1234"))
	assert.False(t, CheckPassword(hash, ""))

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, 10, cost)
}

func TestHashPassword_Salted(t *testing.T) {
	a, err := HashPassword("same-password")
	require.NoError(t, err)
	b, err := HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, CheckPassword(a, "same-password"))
	assert.True(t, CheckPassword(b, "same-password"))
}

func TestHashPassword_TooLong(t *testing.T) {
	_, err := HashPassword(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	assert.False(t, CheckPassword("not-a-bcrypt-hash", "pw"))
}

func TestGenerateTemporaryPassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		p, err := GenerateTemporaryPassword()
		require.NoError(t, err)
		require.Len(t, p, 12)
		for _, c := range p {
			assert.True(t, strings.ContainsRune(temporaryPasswordChars, c))
		}
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1)
}
