package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	token, hash, prefix, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.Equal(t, token[:len(prefix)], prefix)
	assert.Len(t, prefix, len(TokenPrefix)+8)
	assert.True(t, VerifyAPIKey(token, hash))

	other, _, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.False(t, VerifyAPIKey(other, hash))
}

func TestVerifyAPIKey_Malformed(t *testing.T) {
	_, hash, _, err := GenerateAPIKey()
	require.NoError(t, err)

	for _, token := range []string{"", "qpc_nope", "nope", TokenPrefix + "!!!!"} {
		assert.False(t, VerifyAPIKey(token, hash), token)
	}
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("battery staple", hash))
}

func TestIsExpired(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	assert.False(t, IsExpired(nil))
	assert.True(t, IsExpired(&past))
	assert.False(t, IsExpired(&future))
}
