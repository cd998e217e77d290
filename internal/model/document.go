package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docindex/internal/apperr"
)

// now is swapped in tests.
var now = time.Now

// DocumentMetadata is the caller supplied description of a document.
type DocumentMetadata struct {
	FileName string  `json:"file_name"`
	Title    string  `json:"title"`
	Author   *string `json:"author,omitempty"`
}

// Validate checks the metadata invariants.
func (m DocumentMetadata) Validate() error {
	if strings.TrimSpace(m.FileName) == "" {
		return fmt.Errorf("%w: file name is required", apperr.ErrValidation)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title is required", apperr.ErrValidation)
	}
	if m.Author != nil && strings.TrimSpace(*m.Author) == "" {
		return fmt.Errorf("%w: author must not be blank when set", apperr.ErrValidation)
	}
	return nil
}

// Document is the persisted record describing an uploaded binary.
// The binary itself lives in the blob store under ID.
type Document struct {
	ID         uuid.UUID        `json:"id"`
	UploadedAt time.Time        `json:"uploaded_at"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// NewDocument creates a Document with a fresh ID.
func NewDocument(uploadedAt time.Time, meta DocumentMetadata) (*Document, error) {
	d := &Document{
		ID:         uuid.New(),
		UploadedAt: uploadedAt.UTC(),
		Metadata:   meta,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the document invariants: non-zero id, upload time not in the future,
// valid metadata.
func (d *Document) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", apperr.ErrValidation)
	}
	if d.UploadedAt.IsZero() {
		return fmt.Errorf("%w: upload time is required", apperr.ErrValidation)
	}
	if d.UploadedAt.After(now()) {
		return fmt.Errorf("%w: upload time is in the future", apperr.ErrValidation)
	}
	return d.Metadata.Validate()
}

// SetMetadata replaces the metadata as a whole, or leaves it untouched and
// returns the validation error.
func (d *Document) SetMetadata(meta DocumentMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	d.Metadata = meta
	return nil
}
