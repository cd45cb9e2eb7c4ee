package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrNoHandler.WithMessage("no handler for orders.created")
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.True(t, Is(wrapped, ErrNoHandler))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.True(t, IsFatal(wrapped))
}

func TestError_Classification(t *testing.T) {
	assert.True(t, ErrTimeout.IsRetryable())
	assert.False(t, ErrTimeout.IsFatal())
	assert.True(t, ErrValidation.IsFatal())
	assert.True(t, ErrTimeout.AsFatal().IsFatal())
	assert.True(t, ErrValidation.AsRetryable().IsRetryable())
}

func TestWithDetail_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrInternal.WithDetail("k", "v")
	assert.Empty(t, ErrInternal.Details)
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("boom")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "boom")
	assert.NotEmpty(t, StackTrace(err))
}

func TestSafely(t *testing.T) {
	err := Safely(func() error { panic(fmt.Errorf("kaput")) })
	require.Error(t, err)
	assert.True(t, Is(err, ErrHandlerFailed))

	assert.NoError(t, Safely(func() error { return nil }))
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrNotFound.WithMessage("dead letter not found"))
	assert.Equal(t, "NOT_FOUND", resp["error_code"])
	assert.Equal(t, http.StatusNotFound, ToHTTPStatus(ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(New("plain")))
}
