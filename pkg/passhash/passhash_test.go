package passhash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	h, err := Hash(Fast, "secret123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, "argon2id$m=1024,t=1,p=1$"))

	ok, err := Verify("secret123", h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("wrong", h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	a, err := Hash(Fast, "same")
	require.NoError(t, err)
	b, err := Hash(Fast, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashRejectsEmpty(t *testing.T) {
	_, err := Hash(Fast, "")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestVerifyMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"bcrypt$abc",
		"argon2id$m=1,t=1,p=1$onlytwo",
		"argon2id$m=x,t=1,p=1$c2FsdA$a2V5",
		"argon2id$m=0,t=1,p=1$c2FsdA$a2V5",
		"argon2id$m=1024,t=1,p=1$!!$a2V5",
		"argon2id$m=1024,t=1,p=1$c2FsdA$",
	} {
		_, err := Verify("pw", bad)
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
	}
}
