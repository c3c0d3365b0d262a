package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("secret")
	require.NoError(t, err)
	assert.True(t, Verify("secret", hash))
	assert.False(t, Verify("Secret", hash))
}

func TestCheck(t *testing.T) {
	assert.ErrorIs(t, Check("abc"), ErrTooShort)
	assert.NoError(t, Check("密码一二三四"))
	assert.Error(t, Check(strings.Repeat("a", 73)))

	_, err := Hash("short")
	assert.ErrorIs(t, err, ErrTooShort)
}
