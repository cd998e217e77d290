// Package service holds the document use cases: creating a document across the
// blob store, the repository and the broker, and reading it back.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"docindex/internal/apperr"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/model"
	"docindex/internal/ocr"
	"docindex/internal/repository"
	"docindex/internal/search"
	"docindex/internal/storage"
)

// Pagination defaults for List.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// DefaultRollbackTimeout bounds the compensating deletes of a failed Create.
const DefaultRollbackTimeout = 30 * time.Second

// DocumentListResult is the service-level DTO for paginated documents.
type DocumentListResult struct {
	Items []model.Document `json:"data"`
	Total int              `json:"total"`
}

// DocumentService defines the use cases for handling documents.
type DocumentService interface {
	// Create stores the binary, persists the record and announces the upload.
	// On failure both stores are rolled back and a *apperr.DocumentCreationFailedError
	// is returned. A content type refused by WithContentTypeCheck fails with
	// ocr.ErrUnsupportedContentType and stores nothing. The service closes file.Body.
	Create(ctx context.Context, doc *model.Document, file *model.DocumentFile) error

	// Get returns a single document by its ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Document, error)

	// List returns documents, newest first, using limit/offset and a total count.
	List(ctx context.Context, limit, offset int) (*DocumentListResult, error)

	// Delete removes the record and reports whether it existed. Blob and index
	// entries of an existing record are cleaned up best effort.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateMetadata replaces the metadata of an existing document.
	UpdateMetadata(ctx context.Context, id uuid.UUID, meta model.DocumentMetadata) (*model.Document, error)

	// Search returns the documents whose extracted text matches query.
	Search(ctx context.Context, query string) ([]model.Document, error)

	// Text returns the extracted text of a document.
	Text(ctx context.Context, id uuid.UUID) (string, error)
}

type documentService struct {
	blobs           storage.BlobStore
	repo            repository.DocumentRepository
	publisher       messaging.Publisher
	index           search.Index
	log             *zap.Logger
	tracer          trace.Tracer
	rollbackTimeout time.Duration
	accepts         func(contentType string) bool
}

// Option customises a DocumentService.
type Option func(*documentService)

// WithRollbackTimeout overrides DefaultRollbackTimeout.
func WithRollbackTimeout(d time.Duration) Option {
	return func(s *documentService) {
		if d > 0 {
			s.rollbackTimeout = d
		}
	}
}

// WithContentTypeCheck makes Create refuse binaries accepts rejects, before
// anything is stored. Without it every content type is accepted.
func WithContentTypeCheck(accepts func(contentType string) bool) Option {
	return func(s *documentService) { s.accepts = accepts }
}

// NewDocumentService constructs a new DocumentService. log may be nil.
func NewDocumentService(
	blobs storage.BlobStore,
	repo repository.DocumentRepository,
	publisher messaging.Publisher,
	index search.Index,
	log *zap.Logger,
	opts ...Option,
) DocumentService {
	s := &documentService{
		blobs:           blobs,
		repo:            repo,
		publisher:       publisher,
		index:           index,
		log:             logger.OrNop(log),
		tracer:          otel.Tracer("docindex/service"),
		rollbackTimeout: DefaultRollbackTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *documentService) Create(ctx context.Context, doc *model.Document, file *model.DocumentFile) error {
	if doc == nil {
		return fmt.Errorf("%w: document is required", apperr.ErrInvalidArgument)
	}
	if file == nil || file.Body == nil {
		return fmt.Errorf("%w: file is required", apperr.ErrInvalidArgument)
	}
	if s.accepts != nil && !s.accepts(file.ContentType) {
		_ = file.Close()
		return fmt.Errorf("%w: %q", ocr.ErrUnsupportedContentType, file.ContentType)
	}

	ctx, span := s.tracer.Start(ctx, "DocumentService.Create",
		trace.WithAttributes(attribute.String("document.id", doc.ID.String())))
	defer span.End()

	// the blob is stored under the document id whatever the caller put in file.ID
	file.ID = doc.ID
	err := s.blobs.Upload(ctx, file)
	_ = file.Close()
	if err == nil {
		_, err = s.repo.Create(ctx, doc)
	}
	if err != nil {
		s.log.Error("create document failed",
			zap.String("document_id", doc.ID.String()), zap.Error(err))
		s.rollback(ctx, doc.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return &apperr.DocumentCreationFailedError{DocumentID: doc.ID, Cause: err}
	}

	if err := s.publisher.Publish(ctx, messaging.DocumentUploaded{DocumentID: doc.ID}); err != nil {
		// the document is stored; reconcile republishes the missing event
		s.log.Error("publish document uploaded",
			zap.String("document_id", doc.ID.String()), zap.Error(err))
	}
	return nil
}

// rollback removes whatever Create managed to write. It runs even when ctx is
// already cancelled, and its own failures are only logged.
func (s *documentService) rollback(ctx context.Context, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
	defer cancel()

	fields := []zap.Field{zap.String("document_id", id.String())}
	if !s.blobs.Delete(ctx, id) {
		s.log.Warn("rollback: no blob removed", fields...)
	}
	if _, err := s.repo.Delete(ctx, id); err != nil {
		s.log.Warn("rollback: delete record", append(fields, zap.Error(err))...)
	}
}

func (s *documentService) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: id is required", apperr.ErrInvalidArgument)
	}
	return s.repo.FindByID(ctx, id)
}

// List returns paginated documents without exposing repository types.
func (s *documentService) List(ctx context.Context, limit, offset int) (*DocumentListResult, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	res, err := s.repo.List(ctx, repository.PageQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &DocumentListResult{Items: res.Items, Total: res.Total}, nil
}

func (s *documentService) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("%w: id is required", apperr.ErrInvalidArgument)
	}
	existed, err := s.repo.Delete(ctx, id)
	if err != nil || !existed {
		return existed, err
	}

	fields := []zap.Field{zap.String("document_id", id.String())}
	if !s.blobs.Delete(ctx, id) {
		s.log.Warn("delete: no blob removed", fields...)
	}
	if _, err := s.index.Delete(ctx, id); err != nil {
		s.log.Warn("delete: remove index entry", append(fields, zap.Error(err))...)
	}
	return true, nil
}

func (s *documentService) UpdateMetadata(ctx context.Context, id uuid.UUID, meta model.DocumentMetadata) (*model.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := doc.SetMetadata(meta); err != nil {
		return nil, err
	}
	ok, err := s.repo.Update(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: document %s", apperr.ErrNotFound, id)
	}
	return doc, nil
}

func (s *documentService) Search(ctx context.Context, query string) ([]model.Document, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", apperr.ErrInvalidArgument)
	}
	ids, err := s.index.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.repo.FindByID(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			// indexed but deleted since
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (s *documentService) Text(ctx context.Context, id uuid.UUID) (string, error) {
	if id == uuid.Nil {
		return "", fmt.Errorf("%w: id is required", apperr.ErrInvalidArgument)
	}
	text, ok, err := s.index.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no text indexed for %s", apperr.ErrNotFound, id)
	}
	return text, nil
}
