package usecase

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

type IngestInvoiceUseCase struct {
	invoices ports.InvoiceRepository
	storage  ports.ObjectStorage
	queue    ports.EventQueue
}

func NewIngestInvoiceUseCase(
	invoices ports.InvoiceRepository,
	storage ports.ObjectStorage,
	queue ports.EventQueue,
) *IngestInvoiceUseCase {
	return &IngestInvoiceUseCase{
		invoices: invoices,
		storage:  storage,
		queue:    queue,
	}
}

// Upload stores the original file, creates the invoice in UPLOADED and
// publishes the uploaded event that wakes the extraction worker. Nothing
// here waits for extraction.
func (uc *IngestInvoiceUseCase) Upload(
	ctx context.Context,
	tenantID, filename string,
	body io.Reader,
) (*domain.Invoice, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload invoice", fmt.Errorf("tenant id is required"))
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("uploads/%s_%s", id, sanitizeFilename(filename))
	now := time.Now().UTC()

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	inv := &domain.Invoice{
		ID:        id,
		TenantID:  tenantID,
		Status:    domain.InvoiceUploaded,
		FilePath:  storageKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := uc.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice record: %w", err)
	}

	evt := domain.InvoiceUploadedEvent{InvoiceID: inv.ID, TenantID: tenantID, FilePath: storageKey}
	if err := uc.queue.PublishInvoiceUploaded(ctx, evt); err != nil {
		return nil, fmt.Errorf("publish uploaded event: %w", err)
	}

	return inv, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "invoice.bin"
	}
	return base
}
