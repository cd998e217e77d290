// Package ocr turns document binaries into plain text.
//
// Engines are composed: ImageOCR recognises images and rendered PDF pages,
// TextLayer reads embedded PDF text and plain text, Fallback chains them and
// Pool bounds how many extractions run at once.
package ocr

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"docindex/internal/apperr"
)

var (
	// ErrUnsupportedContentType is returned for binaries no engine can read.
	ErrUnsupportedContentType = fmt.Errorf("%w: unsupported content type", apperr.ErrValidation)
	// ErrFileTooLarge is returned when a binary exceeds the configured limit.
	ErrFileTooLarge = fmt.Errorf("%w: file too large", apperr.ErrValidation)
)

// DefaultMaxFileBytes is the size limit used when none is configured.
const DefaultMaxFileBytes int64 = 50 << 20

// Content types understood by the engines.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypePNG  = "image/png"
	ContentTypeJPEG = "image/jpeg"
	ContentTypeTIFF = "image/tiff"
	ContentTypeBMP  = "image/bmp"
	ContentTypeText = "text/plain"
)

// Extractor reads text out of a binary of the given content type.
type Extractor interface {
	Supports(contentType string) bool
	Extract(ctx context.Context, r io.Reader, contentType string) (string, error)
}

// NormalizeContentType strips parameters and lower-cases the media type.
// "Application/PDF; qs=0.9" becomes "application/pdf".
func NormalizeContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// readLimited reads at most limit bytes and fails with ErrFileTooLarge beyond that.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read binary: %v", apperr.ErrTransport, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, limit)
	}
	return data, nil
}
