package ports

import (
	"context"
	"io"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

// InvoiceRepository persists invoice state. Status writes that matter for
// ordering go through TransitionStatus so the forward-only invariant holds
// under concurrent writers.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *domain.Invoice) error
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	TransitionStatus(ctx context.Context, id string, from []domain.InvoiceStatus, to domain.InvoiceStatus, errMessage string) error
	SaveExtractedData(ctx context.Context, inv *domain.Invoice) error
	ApplyCorrections(ctx context.Context, inv *domain.Invoice, corrections []domain.Correction) error
	ListCorrections(ctx context.Context, invoiceID string) ([]domain.Correction, error)
	SetKSeFReference(ctx context.Context, id, reference string) error
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error)
}

// ExtractionJobRepository persists extraction jobs. Create enforces the
// one-job-per-invoice uniqueness constraint and reports domain.ErrConflict
// to the losing caller.
type ExtractionJobRepository interface {
	Create(ctx context.Context, job *domain.ExtractionJob) error
	GetByID(ctx context.Context, id string) (*domain.ExtractionJob, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.ExtractionJob, error)
	Update(ctx context.Context, job *domain.ExtractionJob) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.ExtractionJob, error)
}

// SubmissionRepository persists submissions, one per invoice, same conflict
// semantics as ExtractionJobRepository. SetReference fails with
// domain.ErrConflict when the platform reference is already taken.
type SubmissionRepository interface {
	Create(ctx context.Context, sub *domain.Submission) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.Submission, error)
	Update(ctx context.Context, sub *domain.Submission) error
	SetReference(ctx context.Context, id, reference string) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error)
}

// ObjectStorage stores source documents and receipt files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// EventQueue is the durable at-least-once trigger mechanism between the API
// and the workers.
type EventQueue interface {
	PublishInvoiceUploaded(ctx context.Context, evt domain.InvoiceUploadedEvent) error
	PublishExtractionCompleted(ctx context.Context, evt domain.ExtractionCompletedEvent) error
	PublishExtractionFailed(ctx context.Context, evt domain.ExtractionFailedEvent) error
	PublishInvoiceApproved(ctx context.Context, evt domain.InvoiceApprovedEvent) error
	SubscribeInvoiceUploaded(ctx context.Context, handler func(context.Context, domain.InvoiceUploadedEvent) error) error
	SubscribeInvoiceApproved(ctx context.Context, handler func(context.Context, domain.InvoiceApprovedEvent) error) error
}

// PreprocessResult is the local normalization output. When Text is set the
// source carried a usable text layer and the OCR engine is skipped.
type PreprocessResult struct {
	Image []byte
	Text  string
	Pages int
}

// Preprocessor normalizes an uploaded document ahead of recognition. Purely
// local and side-effect-free.
type Preprocessor interface {
	Prepare(ctx context.Context, data []byte) (PreprocessResult, error)
}

// RecognitionResult is the OCR engine output. Confidence is on the engine's
// 0-100 scale.
type RecognitionResult struct {
	Text       string
	Confidence float64
	Language   string
}

// TextRecognizer is the external recognition engine.
type TextRecognizer interface {
	Recognize(ctx context.Context, image []byte) (RecognitionResult, error)
}

// ExtractionHints narrow the extraction service's search space.
type ExtractionHints struct {
	Locale          string
	DefaultCurrency string
	TenantTaxID     string
}

// FieldExtractor is the external extraction service: recognized text in,
// structured fields with per-field 0-1 confidence out.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, text string, hints ExtractionHints) (*domain.ExtractedFields, map[string]float64, error)
}

// Session is a national-platform session token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

func (s Session) Expired(now time.Time) bool {
	return s.Token == "" || !now.Before(s.ExpiresAt)
}

type SubmitResult struct {
	ReferenceNumber string
	AcceptedAt      time.Time
}

type PlatformStatus string

const (
	PlatformPending  PlatformStatus = "PENDING"
	PlatformAccepted PlatformStatus = "ACCEPTED"
	PlatformRejected PlatformStatus = "REJECTED"
)

// StatusResult is one poll of the platform's processing state. Code and
// Description carry the platform's own processing code and description so a
// rejection can be recorded verbatim on the submission.
type StatusResult struct {
	Status      PlatformStatus
	Code        string
	Description string
}

// PlatformError is a structured rejection from the platform, e.g. a schema
// validation failure. Never retried automatically.
type PlatformError struct {
	Code    string
	Message string
	Details string
}

func (e *PlatformError) Error() string {
	return "platform error " + e.Code + ": " + e.Message
}

// KSeFClient talks to the national e-invoicing platform.
type KSeFClient interface {
	Authenticate(ctx context.Context, tenantID string) (Session, error)
	Submit(ctx context.Context, session Session, signedXML []byte) (SubmitResult, error)
	GetStatus(ctx context.Context, session Session, reference string) (StatusResult, error)
	DownloadReceipt(ctx context.Context, session Session, reference string) ([]byte, string, error)
}

// SignedDocument flags whether a real signature was applied; unsigned output
// is only acceptable outside production.
type SignedDocument struct {
	XML    []byte
	Signed bool
}

// DocumentBuilder maps an approved invoice into the national schema.
type DocumentBuilder interface {
	Build(inv *domain.Invoice) ([]byte, error)
}

// DocumentSigner wraps a built document in the signature envelope.
type DocumentSigner interface {
	Sign(xml []byte) (SignedDocument, error)
}

// TenantDirectory resolves the tenant's own tax id. Tenant management itself
// is an external collaborator.
type TenantDirectory interface {
	TaxID(ctx context.Context, tenantID string) (string, error)
}
