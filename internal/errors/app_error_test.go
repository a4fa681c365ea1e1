package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringIncludesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeTransientNetwork, "fetch registry metadata", cause)

	assert.Equal(t, "fetch registry metadata: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := Newf(CodeValidation, "unsupported method %q", "scp")
	assert.Equal(t, `unsupported method "scp"`, err.Error())
}

func TestCodeOf(t *testing.T) {
	err := Newf(CodeLockConflict, "already installed")
	assert.Equal(t, CodeLockConflict, CodeOf(err))

	wrapped := fmt.Errorf("install: %w", err)
	assert.Equal(t, CodeLockConflict, CodeOf(wrapped))

	assert.Equal(t, "", CodeOf(stderrors.New("plain")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(CodeNotInstalled, "no install ledger"))

	assert.True(t, IsCode(err, CodeNotInstalled))
	assert.False(t, IsCode(err, CodeValidation))
	assert.False(t, IsCode(stderrors.New("plain"), CodeNotInstalled))
}
