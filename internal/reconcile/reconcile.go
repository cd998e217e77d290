// Package reconcile repairs the stores after partial failures: blobs left
// behind by a create whose rollback failed, and documents whose upload event
// never reached the worker.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docindex/internal/apperr"
	"docindex/internal/logger"
	"docindex/internal/messaging"
	"docindex/internal/repository"
	"docindex/internal/search"
	"docindex/internal/storage"
)

// DefaultGrace keeps in-progress creates and OCR runs out of reach.
const DefaultGrace = time.Hour

// Report summarises one pass.
type Report struct {
	Scanned  int `json:"scanned"`
	Matched  int `json:"matched"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Sweeper deletes blobs that have no document record.
type Sweeper struct {
	objects storage.Storage
	blobs   storage.BlobStore
	repo    repository.DocumentRepository
	grace   time.Duration
	dryRun  bool
	now     func() time.Time
	log     *zap.Logger
}

// NewSweeper builds a sweeper. Blobs younger than grace are left alone.
func NewSweeper(objects storage.Storage, blobs storage.BlobStore, repo repository.DocumentRepository, grace time.Duration, dryRun bool, log *zap.Logger) *Sweeper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sweeper{
		objects: objects,
		blobs:   blobs,
		repo:    repo,
		grace:   grace,
		dryRun:  dryRun,
		now:     time.Now,
		log:     logger.OrNop(log),
	}
}

// Sweep scans the bucket once. Matched counts orphans found, Repaired the ones removed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var r Report
	objects, err := s.objects.List(ctx, "")
	if err != nil {
		return r, fmt.Errorf("list blobs: %w", err)
	}

	cutoff := s.now().Add(-s.grace)
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Scanned++
		id, err := uuid.Parse(obj.Key)
		if err != nil || obj.LastModified.After(cutoff) {
			continue
		}

		_, err = s.repo.FindByID(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("sweep: lookup failed", zap.String("document_id", id.String()), zap.Error(err))
			r.Failed++
			continue
		}

		r.Matched++
		if s.dryRun {
			s.log.Info("sweep: orphan blob", zap.String("document_id", id.String()))
			continue
		}
		if s.blobs.Delete(ctx, id) {
			r.Repaired++
			s.log.Info("sweep: orphan blob deleted", zap.String("document_id", id.String()))
		} else {
			r.Failed++
		}
	}
	return r, nil
}

// Republisher publishes DocumentUploaded again for documents with no indexed text.
type Republisher struct {
	repo      repository.DocumentRepository
	index     search.Index
	publisher messaging.Publisher
	grace     time.Duration
	pageSize  int
	dryRun    bool
	now       func() time.Time
	log       *zap.Logger

	objects storage.Storage
	accepts func(contentType string) bool
}

// RepublishOption customises a Republisher.
type RepublishOption func(*Republisher)

// SkipUnindexable makes the republisher look up each candidate's blob in
// objects and leave alone documents whose binary is gone or whose content
// type accepts refuses. Publishing those again would only be rejected by the worker.
func SkipUnindexable(objects storage.Storage, accepts func(contentType string) bool) RepublishOption {
	return func(p *Republisher) {
		p.objects = objects
		p.accepts = accepts
	}
}

// NewRepublisher builds a republisher. Documents younger than grace are skipped.
func NewRepublisher(repo repository.DocumentRepository, index search.Index, publisher messaging.Publisher, grace time.Duration, dryRun bool, log *zap.Logger, opts ...RepublishOption) *Republisher {
	if grace <= 0 {
		grace = DefaultGrace
	}
	p := &Republisher{
		repo:      repo,
		index:     index,
		publisher: publisher,
		grace:     grace,
		pageSize:  100,
		dryRun:    dryRun,
		now:       time.Now,
		log:       logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Republish walks every document once. Matched counts unindexed documents,
// Repaired the events published for them and Skipped the ones the worker could not index.
func (p *Republisher) Republish(ctx context.Context) (Report, error) {
	var r Report
	cutoff := p.now().Add(-p.grace)

	for offset := 0; ; offset += p.pageSize {
		page, err := p.repo.List(ctx, repository.PageQuery{Limit: p.pageSize, Offset: offset})
		if err != nil {
			return r, fmt.Errorf("list documents: %w", err)
		}
		for _, doc := range page.Items {
			r.Scanned++
			if doc.UploadedAt.After(cutoff) {
				continue
			}
			_, indexed, err := p.index.Get(ctx, doc.ID)
			if err != nil {
				return r, fmt.Errorf("check index for %s: %w", doc.ID, err)
			}
			if indexed {
				continue
			}
			ok, err := p.indexable(ctx, doc.ID)
			if err != nil {
				return r, err
			}
			if !ok {
				r.Skipped++
				continue
			}

			r.Matched++
			if p.dryRun {
				p.log.Info("republish: not indexed", zap.String("document_id", doc.ID.String()))
				continue
			}
			if err := p.publisher.Publish(ctx, messaging.DocumentUploaded{DocumentID: doc.ID}); err != nil {
				return r, fmt.Errorf("republish %s: %w", doc.ID, err)
			}
			r.Repaired++
		}
		if len(page.Items) < p.pageSize || offset+len(page.Items) >= page.Total {
			return r, nil
		}
	}
}

// indexable reports whether the worker could process the blob of id.
func (p *Republisher) indexable(ctx context.Context, id uuid.UUID) (bool, error) {
	if p.accepts == nil {
		return true, nil
	}
	info, err := p.objects.Stat(ctx, storage.BlobKey(id))
	if errors.Is(err, apperr.ErrNotFound) {
		p.log.Warn("republish: blob missing", zap.String("document_id", id.String()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", id, err)
	}
	if !p.accepts(info.ContentType) {
		p.log.Info("republish: content type cannot be indexed",
			zap.String("document_id", id.String()), zap.String("content_type", info.ContentType))
		return false, nil
	}
	return true, nil
}
