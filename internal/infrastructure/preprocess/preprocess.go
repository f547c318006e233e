// Package preprocess normalizes uploaded documents ahead of recognition.
// PDFs with a usable embedded text layer are read locally so the OCR engine
// never sees them; everything else passes through as image bytes.
package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

// minTextLayerRunes is the threshold below which an embedded text layer is
// treated as absent (scanned PDFs often carry a few stray glyphs).
const minTextLayerRunes = 40

type Preprocessor struct{}

func New() *Preprocessor {
	return &Preprocessor{}
}

func (p *Preprocessor) Prepare(ctx context.Context, data []byte) (ports.PreprocessResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.PreprocessResult{}, err
	}
	if len(data) == 0 {
		return ports.PreprocessResult{}, fmt.Errorf("empty document")
	}

	if !isPDF(data) {
		return ports.PreprocessResult{Image: data, Pages: 1}, nil
	}

	text, pages, err := extractTextLayer(data)
	if err != nil {
		// A malformed or encrypted text layer is not fatal: the document
		// still goes through the OCR path.
		return ports.PreprocessResult{Image: data, Pages: 1}, nil
	}
	if len([]rune(strings.TrimSpace(text))) < minTextLayerRunes {
		return ports.PreprocessResult{Image: data, Pages: pages}, nil
	}
	return ports.PreprocessResult{Text: text, Pages: pages}, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

func extractTextLayer(data []byte) (string, int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", reader.NumPage(), fmt.Errorf("read text layer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", reader.NumPage(), fmt.Errorf("copy text layer: %w", err)
	}
	return buf.String(), reader.NumPage(), nil
}
