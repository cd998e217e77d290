package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docindex/internal/apperr"
	"docindex/internal/logger"
	"docindex/internal/model"
)

// BlobStore keeps document binaries keyed by document id.
type BlobStore interface {
	// Upload stores file.Body under file.ID, overwriting any previous binary.
	// It does not close file.Body.
	Upload(ctx context.Context, file *model.DocumentFile) error
	// Fetch opens the binary for id. The caller closes the returned file.
	// A missing binary returns an error wrapping apperr.ErrNotFound.
	Fetch(ctx context.Context, id uuid.UUID) (*model.DocumentFile, error)
	// Delete removes the binary and reports whether one was removed.
	// A missing binary or a failed removal both report false.
	Delete(ctx context.Context, id uuid.UUID) bool
}

// DocumentBlobs implements BlobStore on top of a Storage bucket, one object per document.
type DocumentBlobs struct {
	store Storage
	log   *zap.Logger
}

var _ BlobStore = (*DocumentBlobs)(nil)

// NewDocumentBlobs wraps store. log may be nil.
func NewDocumentBlobs(store Storage, log *zap.Logger) *DocumentBlobs {
	return &DocumentBlobs{store: store, log: logger.OrNop(log)}
}

// BlobKey is the object key for a document binary.
func BlobKey(id uuid.UUID) string {
	return id.String()
}

func (b *DocumentBlobs) Upload(ctx context.Context, file *model.DocumentFile) error {
	if file == nil || file.Body == nil {
		return fmt.Errorf("%w: file body is required", apperr.ErrInvalidArgument)
	}
	size := file.Size
	if size == 0 {
		size = -1
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.store.Put(ctx, BlobKey(file.ID), file.Body, PutObjectOptions{
		Size:        size,
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", file.ID, err)
	}
	return nil
}

func (b *DocumentBlobs) Fetch(ctx context.Context, id uuid.UUID) (*model.DocumentFile, error) {
	rc, info, err := b.store.Get(ctx, BlobKey(id))
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	return &model.DocumentFile{
		ID:          id,
		ContentType: info.ContentType,
		Size:        info.Size,
		Body:        rc,
	}, nil
}

func (b *DocumentBlobs) Delete(ctx context.Context, id uuid.UUID) bool {
	key := BlobKey(id)
	if _, err := b.store.Stat(ctx, key); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			b.log.Warn("blob stat failed", zap.String("document_id", id.String()), zap.Error(err))
		}
		return false
	}
	if err := b.store.Delete(ctx, key); err != nil {
		b.log.Warn("blob delete failed", zap.String("document_id", id.String()), zap.Error(err))
		return false
	}
	return true
}
