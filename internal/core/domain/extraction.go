package domain

import "time"

type JobStatus string

const (
	JobQueued        JobStatus = "QUEUED"
	JobPreprocessing JobStatus = "PREPROCESSING"
	JobRecognizing   JobStatus = "RECOGNIZING"
	JobExtracting    JobStatus = "EXTRACTING"
	JobValidating    JobStatus = "VALIDATING"
	JobPersisting    JobStatus = "PERSISTING"
	JobCompleted     JobStatus = "COMPLETED"
	JobFailed        JobStatus = "FAILED"
	JobRetrying      JobStatus = "RETRYING"
)

func (s JobStatus) InFlight() bool {
	switch s {
	case JobCompleted, JobFailed:
		return false
	default:
		return true
	}
}

// Recognition methods, per source type. A PDF with a usable text layer skips
// the OCR engine entirely.
const (
	MethodPDFText  = "pdf-text"
	MethodImageOCR = "image-ocr"
)

// ExtractedParty tolerates nulls for anything the extraction service could
// not determine.
type ExtractedParty struct {
	Name    *string `json:"name"`
	TaxID   *string `json:"tax_id"`
	Address *string `json:"address"`
}

type ExtractedLine struct {
	Name         *string `json:"name"`
	Quantity     *string `json:"quantity"`
	UnitPriceNet *string `json:"unit_price_net"`
	VATRate      *string `json:"vat_rate"`
	Net          *string `json:"net"`
	Gross        *string `json:"gross"`
}

// ExtractedFields is the structured output of the extraction service.
// Monetary values are decimal strings, dates are YYYY-MM-DD.
type ExtractedFields struct {
	Number     *string         `json:"number"`
	IssueDate  *string         `json:"issue_date"`
	DueDate    *string         `json:"due_date"`
	Currency   *string         `json:"currency"`
	TotalNet   *string         `json:"total_net"`
	TotalVAT   *string         `json:"total_vat"`
	TotalGross *string         `json:"total_gross"`
	Seller     ExtractedParty  `json:"seller"`
	Buyer      ExtractedParty  `json:"buyer"`
	Lines      []ExtractedLine `json:"lines"`
	Overall    float64         `json:"overall_confidence"`
}

// ExtractionJob is the one-per-invoice extraction record. Step outputs are
// checkpointed on the row so a retry resumes without repeating external calls.
type ExtractionJob struct {
	ID       string    `json:"id"`
	InvoiceID string   `json:"invoice_id"`
	TenantID string    `json:"tenant_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`

	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	RecognizedText        string  `json:"recognized_text,omitempty"`
	RecognitionConfidence float64 `json:"recognition_confidence,omitempty"` // 0-100
	RecognitionMethod     string  `json:"recognition_method,omitempty"`
	LowConfidenceText     bool    `json:"low_confidence_text,omitempty"`

	Fields          *ExtractedFields   `json:"fields,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"` // 0-1 per field

	Direction           Direction `json:"direction,omitempty"`
	DirectionConfidence float64   `json:"direction_confidence,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	StepTimes  map[string]time.Time `json:"step_times,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// MarkStep records the step entry timestamp and coarse progress.
func (j *ExtractionJob) MarkStep(status JobStatus, progress int, now time.Time) {
	j.Status = status
	j.Progress = progress
	if j.StepTimes == nil {
		j.StepTimes = make(map[string]time.Time)
	}
	j.StepTimes[string(status)] = now
}
