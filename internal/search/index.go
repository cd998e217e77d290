// Package search stores extracted document text in Elasticsearch and answers full-text queries.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Index stores one text per document id. Storing again under the same id overwrites.
type Index interface {
	// Store indexes text for id and reports whether the backend acknowledged the write.
	Store(ctx context.Context, id uuid.UUID, text string) (bool, error)
	// Search returns the ids whose text matches query, best match first.
	Search(ctx context.Context, query string) ([]uuid.UUID, error)
	// Get returns the indexed text for id; ok is false when nothing is indexed.
	Get(ctx context.Context, id uuid.UUID) (text string, ok bool, err error)
	// Delete removes the entry for id and reports whether one existed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// indexedDocument is the stored shape: {"Id": "...", "Content": "..."}.
type indexedDocument struct {
	ID      string `json:"Id"`
	Content string `json:"Content"`
}
