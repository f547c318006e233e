package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

func TestUploadStoresFileAndPublishesEvent(t *testing.T) {
	repo := newFakeInvoiceRepo()
	storage := newFakeStorage()
	queue := &fakeQueue{}
	uc := NewIngestInvoiceUseCase(repo, storage, queue)

	inv, err := uc.Upload(context.Background(), "tenant-a", "faktura sierpien.pdf", strings.NewReader("%PDF-1.7"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if inv.Status != domain.InvoiceUploaded {
		t.Fatalf("status = %s, want UPLOADED", inv.Status)
	}
	if !strings.HasPrefix(inv.FilePath, "uploads/") || !strings.HasSuffix(inv.FilePath, "faktura_sierpien.pdf") {
		t.Fatalf("file path = %q", inv.FilePath)
	}
	if string(storage.files[inv.FilePath]) != "%PDF-1.7" {
		t.Fatalf("original file not stored under %q", inv.FilePath)
	}
	if _, ok := repo.invoices[inv.ID]; !ok {
		t.Fatalf("invoice record not created")
	}
	if len(queue.uploaded) != 1 || queue.uploaded[0].FilePath != inv.FilePath {
		t.Fatalf("uploaded events = %+v", queue.uploaded)
	}
}

func TestUploadRequiresTenant(t *testing.T) {
	uc := NewIngestInvoiceUseCase(newFakeInvoiceRepo(), newFakeStorage(), &fakeQueue{})

	_, err := uc.Upload(context.Background(), "  ", "faktura.pdf", strings.NewReader("x"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSanitizeFilenameStripsPathAndOddRunes(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":     "passwd",
		"moja faktura (1).pdf": "moja_faktura__1_.pdf",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
