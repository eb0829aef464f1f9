package ragerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCategoryAndRetryability(t *testing.T) {
	err := New(CodeEmbeddingUnreachable, "ollama refused connection", nil)
	assert.Equal(t, CategoryNetwork, err.Category)
	assert.True(t, IsRetryable(err))

	cfgErr := New(CodeConfigInvalid, "bad weights", nil)
	assert.Equal(t, CategoryConfig, cfgErr.Category)
	assert.False(t, IsRetryable(cfgErr))
}

func TestWrapNilReturnsNil(t *testing.T) {
	var got *RagError = Wrap(CodeIO, nil)
	assert.Nil(t, got)
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodePathNotAllowed, "nope", nil)
	b := New(CodePathNotAllowed, "different message", nil)
	assert.True(t, errors.Is(a, b))

	c := New(CodeRateLimited, "nope", nil)
	assert.False(t, errors.Is(a, c))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CodeEmbeddingUnreachable, cause)
	require.Error(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestCodeOfNonRagError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
