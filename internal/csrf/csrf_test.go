package csrf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue(t *testing.T) {
	a, err := Issue()
	require.NoError(t, err)
	b, err := Issue()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestValidate(t *testing.T) {
	token, err := Issue()
	require.NoError(t, err)

	assert.True(t, Validate(token, token))
	assert.False(t, Validate(token, token+"x"))
	assert.False(t, Validate("", token))
	assert.False(t, Validate(token, ""))
	assert.False(t, Validate("", ""))
}
