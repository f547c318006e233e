package ports

import (
	"context"
	"io"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

// InvoiceIngestor is the inbound contract for uploads: store the file, create
// the invoice record, publish the uploaded event.
type InvoiceIngestor interface {
	Upload(ctx context.Context, tenantID, filename string, body io.Reader) (*domain.Invoice, error)
}

// ExtractionService drives the extraction job state machine.
type ExtractionService interface {
	StartExtraction(ctx context.Context, invoiceID string) (string, error)
	ProcessJob(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (*domain.ExtractionJob, error)
	RetryExtraction(ctx context.Context, invoiceID string) (string, error)
}

// CorrectionService merges human edits into extracted data.
type CorrectionService interface {
	ApplyCorrections(ctx context.Context, invoiceID, actor string, fields map[string]string) (int, *domain.Invoice, error)
}

// ApprovalService is the explicit approve action.
type ApprovalService interface {
	Approve(ctx context.Context, invoiceID string) error
}

// SubmissionService drives the government submission state machine.
type SubmissionService interface {
	Submit(ctx context.Context, invoiceID string) (*domain.Submission, error)
	SubmissionStatus(ctx context.Context, invoiceID string) (*domain.Submission, error)
	ManualRetry(ctx context.Context, invoiceID string) error
}

// InvoiceReader is the read model for the UI/API layer.
type InvoiceReader interface {
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
}
