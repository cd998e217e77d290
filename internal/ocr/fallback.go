package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Fallback tries each engine that supports the content type, in order, and
// returns the first non-empty text. The binary is read once.
type Fallback struct {
	Engines      []Extractor
	MaxFileBytes int64
}

var _ Extractor = (*Fallback)(nil)

func (f *Fallback) Supports(contentType string) bool {
	for _, e := range f.Engines {
		if e.Supports(contentType) {
			return true
		}
	}
	return false
}

func (f *Fallback) Extract(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if !f.Supports(contentType) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	data, err := readLimited(r, f.MaxFileBytes)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, e := range f.Engines {
		if !e.Supports(contentType) {
			continue
		}
		text, err := e.Extract(ctx, bytes.NewReader(data), contentType)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", nil
}
