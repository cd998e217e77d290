package ocr

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Recognizer runs OCR on one encoded image (PNG, JPEG, TIFF, BMP).
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// PageRenderer rasterises a PDF, calling page once per page in order with a PNG image.
// Returning an error from page stops rendering.
type PageRenderer interface {
	RenderPages(ctx context.Context, pdf []byte, page func(n int, png []byte) error) error
}

// ImageOCR extracts text from images directly and from PDFs by rendering each page.
type ImageOCR struct {
	Recognizer   Recognizer
	Renderer     PageRenderer
	MaxFileBytes int64
}

var _ Extractor = (*ImageOCR)(nil)

func (o *ImageOCR) Supports(contentType string) bool {
	switch NormalizeContentType(contentType) {
	case ContentTypePNG, ContentTypeJPEG, ContentTypeTIFF, ContentTypeBMP:
		return true
	case ContentTypePDF:
		return o.Renderer != nil
	default:
		return false
	}
}

func (o *ImageOCR) Extract(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if !o.Supports(contentType) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	data, err := readLimited(r, o.MaxFileBytes)
	if err != nil {
		return "", err
	}

	if NormalizeContentType(contentType) != ContentTypePDF {
		text, err := o.Recognizer.Recognize(ctx, data)
		if err != nil {
			return "", fmt.Errorf("recognize image: %w", err)
		}
		return strings.TrimSpace(text), nil
	}

	var b strings.Builder
	err = o.Renderer.RenderPages(ctx, data, func(n int, png []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := o.Recognizer.Recognize(ctx, png)
		if err != nil {
			return fmt.Errorf("recognize page %d: %w", n+1, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
