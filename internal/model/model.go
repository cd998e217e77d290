// Package model contains the domain types shared by the API, the worker and the stores.
package model

import (
	"io"

	"github.com/google/uuid"
)

// DocumentFile is a document binary in flight between a caller and the blob store.
// Whoever opened Body is responsible for closing it.
type DocumentFile struct {
	ID          uuid.UUID
	ContentType string
	// Size is the byte length, or -1 when unknown.
	Size int64
	Body io.ReadCloser
}

// Close releases Body. Safe on a nil file or body.
func (f *DocumentFile) Close() error {
	if f == nil || f.Body == nil {
		return nil
	}
	return f.Body.Close()
}
