package quillerr

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_CodeMapping(t *testing.T) {
	err := New(CodeInvalidFilter, "unexpected token %q", "AND")

	assert.Equal(t, 400, err.HTTPStatus())
	assert.Equal(t, CategoryInvalidRequest, err.Category)
	assert.Contains(t, err.Error(), "invalid_filter")
	assert.Contains(t, err.DocLink(), "invalid_filter")
}

func TestError_IsMatchesByCode(t *testing.T) {
	a := New(CodeIndexNotFound, "index %q not found", "movies")
	b := New(CodeIndexNotFound, "different message")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeInvalidSort, "x")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(CodeInternal, cause)

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CategoryInternal, err.Category)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeInternal, nil))
}

func TestWrap_DetectsNoSpace(t *testing.T) {
	cause := &os.PathError{Op: "write", Path: "/data", Err: syscall.ENOSPC}
	err := Wrap(CodeInternal, cause)

	assert.Equal(t, CodeNoSpaceLeftOnDevice, err.Code)
	assert.Equal(t, 507, err.HTTPStatus())
}

func TestInternal_KeepsExistingCode(t *testing.T) {
	user := New(CodeInvalidDocumentID, "bad id")
	wrapped := Internal(fmt.Errorf("processing: %w", user))

	assert.Equal(t, CodeInvalidDocumentID, wrapped.Code)
	assert.True(t, IsUserError(wrapped))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
