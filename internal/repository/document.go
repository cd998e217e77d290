// Package repository contains data access abstractions.
// Implementations live in subpackages (e.g. postgres).
package repository

import (
	"context"

	"github.com/google/uuid"

	"docindex/internal/model"
)

// DocumentRepository defines data access for document records.
// No business logic here, strictly persistence operations.
type DocumentRepository interface {
	// Create inserts a new document record and returns the stored row.
	// A duplicate id fails with an error wrapping apperr.ErrPersistence.
	Create(ctx context.Context, doc *model.Document) (*model.Document, error)

	// FindByID returns a document by its ID or an error wrapping apperr.ErrNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*model.Document, error)

	// List returns a page of documents, newest first, and the total row count.
	List(ctx context.Context, pq PageQuery) (*PageResult[model.Document], error)

	// Update replaces the metadata of an existing document and reports whether a row matched.
	Update(ctx context.Context, doc *model.Document) (bool, error)

	// Delete removes a document by ID and reports whether a row existed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// PageQuery holds limit/offset pagination parameters.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
type PageResult[T any] struct {
	Items []T
	Total int
}
