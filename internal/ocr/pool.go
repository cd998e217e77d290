package ocr

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
)

// Pool caps concurrent extractions. OCR is CPU bound; message consumers can
// outnumber the cores without oversubscribing them.
type Pool struct {
	inner Extractor
	sem   *semaphore.Weighted
}

var _ Extractor = (*Pool)(nil)

// NewPool runs at most size extractions of inner at a time.
func NewPool(inner Extractor, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{inner: inner, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Supports(contentType string) bool {
	return p.inner.Supports(contentType)
}

// Extract waits for a free slot, giving up when ctx is done.
func (p *Pool) Extract(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return p.inner.Extract(ctx, r, contentType)
}
