package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDocumentCreationFailedError(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	cause := fmt.Errorf("put blob: %w", ErrTransport)
	err := error(&DocumentCreationFailedError{DocumentID: id, Cause: cause})

	assert.ErrorIs(t, err, ErrDocumentCreationFailed)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), id.String())

	var target *DocumentCreationFailedError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, id, target.DocumentID)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("fetch: %w", ErrTransport)))
	assert.False(t, IsTransient(fmt.Errorf("fetch: %w", ErrNotFound)))
	assert.False(t, IsTransient(nil))
}
