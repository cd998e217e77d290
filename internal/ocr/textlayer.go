package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// TextLayer reads text already embedded in PDFs and passes plain text through.
// It never rasterises, so scanned PDFs come back empty.
type TextLayer struct {
	MaxFileBytes int64
}

var _ Extractor = (*TextLayer)(nil)

func (t *TextLayer) Supports(contentType string) bool {
	ct := NormalizeContentType(contentType)
	return ct == ContentTypePDF || ct == ContentTypeText
}

func (t *TextLayer) Extract(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if !t.Supports(contentType) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	data, err := readLimited(r, t.MaxFileBytes)
	if err != nil {
		return "", err
	}
	if NormalizeContentType(contentType) == ContentTypeText {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not valid UTF-8", ErrUnsupportedContentType)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return pdfText(ctx, data)
}

func pdfText(ctx context.Context, data []byte) (text string, err error) {
	// the parser panics on some malformed xref tables
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("%w: malformed pdf: %v", ErrUnsupportedContentType, p)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrUnsupportedContentType, err)
	}
	var b strings.Builder
	for page := 1; page <= doc.NumPage(); page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("pdf page %d: %w", page, err)
		}
		if content = strings.TrimSpace(content); content != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(content)
		}
	}
	return b.String(), nil
}
