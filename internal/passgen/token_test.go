package passgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthenticationToken(t *testing.T) {
	token := AuthenticationToken("CREAM-000001", "secret")

	assert.Len(t, token, 32)
	assert.Regexp(t, `^[0-9a-f]{32}$`, token)
	assert.Equal(t, token, AuthenticationToken("CREAM-000001", "secret"))
	assert.NotEqual(t, token, AuthenticationToken("CREAM-000002", "secret"))
	assert.NotEqual(t, token, AuthenticationToken("CREAM-000001", "other"))
}

func TestVerifyToken(t *testing.T) {
	token := AuthenticationToken("CREAM-000001", "secret")

	assert.True(t, VerifyToken("CREAM-000001", "secret", token))
	assert.False(t, VerifyToken("CREAM-000002", "secret", token), "token for another serial")
	assert.False(t, VerifyToken("CREAM-000001", "secret", token[:31]))
	assert.False(t, VerifyToken("CREAM-000001", "secret", ""))
	assert.False(t, VerifyToken("", "secret", AuthenticationToken("", "secret")))
}
