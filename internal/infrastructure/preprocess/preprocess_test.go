package preprocess

import (
	"bytes"
	"context"
	"testing"
)

func TestPrepareTreatsNonPDFAsImage(t *testing.T) {
	data := []byte("\x89PNG\r\n\x1a\nimage-bytes")

	result, err := New().Prepare(context.Background(), data)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if result.Text != "" {
		t.Fatalf("images have no text layer, got %q", result.Text)
	}
	if !bytes.Equal(result.Image, data) {
		t.Fatalf("image bytes must pass through untouched")
	}
}

func TestPrepareRejectsEmptyDocument(t *testing.T) {
	if _, err := New().Prepare(context.Background(), nil); err == nil {
		t.Fatalf("expected an error for an empty document")
	}
}

func TestPrepareFallsBackToOCRForBrokenPDF(t *testing.T) {
	// Carries the PDF magic but no valid structure; must fall through to the
	// OCR path instead of failing the pipeline.
	data := []byte("%PDF-1.7 not really a pdf")

	result, err := New().Prepare(context.Background(), data)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if result.Text != "" {
		t.Fatalf("broken PDF must not produce a text layer")
	}
	if !bytes.Equal(result.Image, data) {
		t.Fatalf("original bytes must go to the OCR engine")
	}
}

func TestPrepareHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New().Prepare(ctx, []byte("%PDF-1.7")); err == nil {
		t.Fatalf("expected a context error")
	}
}
