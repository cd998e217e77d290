// Package tesseract recognises text in images with the Tesseract engine (cgo).
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Engine implements ocr.Recognizer. A client is created per call because
// gosseract clients are not safe for concurrent use.
type Engine struct {
	languages     []string
	tessdata      string
	clientFactory func() *gosseract.Client
}

// New returns an engine for the given languages ("eng", "deu", ...).
// tessdata overrides TESSDATA_PREFIX when non-empty.
func New(languages []string, tessdata string) *Engine {
	return &Engine{languages: languages, tessdata: tessdata, clientFactory: gosseract.NewClient}
}

func (e *Engine) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := e.clientFactory()
	defer c.Close()

	if e.tessdata != "" {
		if err := c.SetTessdataPrefix(e.tessdata); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}

// Version reports the linked Tesseract version, used as a startup check.
func Version() string {
	c := gosseract.NewClient()
	defer c.Close()
	return c.Version()
}
