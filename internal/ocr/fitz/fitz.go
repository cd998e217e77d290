// Package fitz rasterises PDF pages with MuPDF (cgo) for OCR.
package fitz

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	gofitz "github.com/gen2brain/go-fitz"
)

// DefaultDPI balances Tesseract accuracy against memory per page.
const DefaultDPI = 300

// Renderer implements ocr.PageRenderer.
type Renderer struct {
	dpi float64
}

// New returns a renderer at dpi, or DefaultDPI when dpi is not positive.
func New(dpi float64) *Renderer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Renderer{dpi: dpi}
}

func (r *Renderer) RenderPages(ctx context.Context, pdf []byte, page func(n int, png []byte) error) error {
	doc, err := gofitz.NewFromMemory(pdf)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var buf bytes.Buffer
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := doc.ImageDPI(n, r.dpi)
		if err != nil {
			return fmt.Errorf("render page %d: %w", n+1, err)
		}
		buf.Reset()
		if err := png.Encode(&buf, img); err != nil {
			return fmt.Errorf("encode page %d: %w", n+1, err)
		}
		if err := page(n, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
