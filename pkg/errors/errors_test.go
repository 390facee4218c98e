package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/linkguard/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	t.Run("same code and message", func(t *testing.T) {
		err := apperrors.ErrInvalidIdentifier.WithDetails("not an ip")
		assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
		assert.True(t, apperrors.IsInvalidInput(err))
	})

	t.Run("same code different message", func(t *testing.T) {
		assert.NotErrorIs(t, apperrors.ErrInvalidShortCode, apperrors.ErrInvalidIdentifier)
	})

	t.Run("wrapped by fmt", func(t *testing.T) {
		err := fmt.Errorf("extend: %w", apperrors.ErrInvalidExpiration)
		assert.True(t, apperrors.IsInvalidInput(err))
		assert.ErrorIs(t, err, apperrors.ErrInvalidExpiration)
	})

	t.Run("unwrap cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "persistent store unavailable")
		assert.ErrorIs(t, err, cause)
		assert.True(t, apperrors.IsUnavailable(err))
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestAppError_WithDetailsDoesNotMutateShared(t *testing.T) {
	_ = apperrors.ErrInvalidShortCode.WithDetails("too long")
	assert.Empty(t, apperrors.ErrInvalidShortCode.Details)
}

func TestPredicates_NonAppError(t *testing.T) {
	err := stderrors.New("plain")
	assert.False(t, apperrors.IsInvalidInput(err))
	assert.False(t, apperrors.IsNotFound(err))
	assert.False(t, apperrors.IsConflict(err))
	assert.False(t, apperrors.IsUnavailable(err))
}
