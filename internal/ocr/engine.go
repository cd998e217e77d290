package ocr

import (
	"context"
	"errors"
	"fmt"
)

// Engine names accepted by New.
const (
	EngineAuto      = "auto"
	EngineTesseract = "tesseract"
	EngineTextLayer = "textlayer"
)

var errBackendNotLoaded = errors.New("ocr backend not loaded")

// New assembles the extractor named by engine. An empty name means EngineAuto:
// the text layer first and OCR for documents without one.
func New(engine string, rec Recognizer, ren PageRenderer, maxFileBytes int64) (Extractor, error) {
	textLayer := &TextLayer{MaxFileBytes: maxFileBytes}
	imageOCR := &ImageOCR{Recognizer: rec, Renderer: ren, MaxFileBytes: maxFileBytes}

	switch engine {
	case EngineAuto, "":
		return &Fallback{Engines: []Extractor{textLayer, imageOCR}, MaxFileBytes: maxFileBytes}, nil
	case EngineTesseract:
		return imageOCR, nil
	case EngineTextLayer:
		return textLayer, nil
	default:
		return nil, fmt.Errorf("unknown OCR_ENGINE %q (want auto, tesseract or textlayer)", engine)
	}
}

// Accepts returns the content type check of the extractor New builds for
// engine, without loading Tesseract or MuPDF. Uploads it refuses could never
// be indexed by a worker running the same engine.
func Accepts(engine string) (func(contentType string) bool, error) {
	e, err := New(engine, offline{}, offline{}, 0)
	if err != nil {
		return nil, err
	}
	return e.Supports, nil
}

// offline stands in for the cgo backends where only Supports is consulted.
type offline struct{}

func (offline) Recognize(context.Context, []byte) (string, error) {
	return "", errBackendNotLoaded
}

func (offline) RenderPages(context.Context, []byte, func(int, []byte) error) error {
	return errBackendNotLoaded
}
