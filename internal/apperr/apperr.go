// Package apperr holds the error kinds shared across the pipeline.
// Callers classify failures with errors.Is against these sentinels;
// implementations wrap them with fmt.Errorf("...: %w").
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidArgument marks a missing or malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrValidation marks an entity that breaks a domain rule.
	ErrValidation = errors.New("validation failed")
	// ErrTransport marks a broker, blob store or index connectivity failure.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound marks a missing blob, record or index entry.
	ErrNotFound = errors.New("not found")
	// ErrPersistence marks a repository write failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrDeserialization marks a message body that could not be decoded.
	ErrDeserialization = errors.New("deserialization failed")
	// ErrDocumentCreationFailed is matched by DocumentCreationFailedError.
	ErrDocumentCreationFailed = errors.New("document creation failed")
)

// DocumentCreationFailedError reports a create that was rolled back.
type DocumentCreationFailedError struct {
	DocumentID uuid.UUID
	Cause      error
}

func (e *DocumentCreationFailedError) Error() string {
	return fmt.Sprintf("failed upload of document %s: %v", e.DocumentID, e.Cause)
}

func (e *DocumentCreationFailedError) Unwrap() error { return e.Cause }

func (e *DocumentCreationFailedError) Is(target error) bool {
	return target == ErrDocumentCreationFailed
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
