package domain

import "time"

type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "PENDING"
	SubmissionSubmitting SubmissionStatus = "SUBMITTING"
	SubmissionSubmitted  SubmissionStatus = "SUBMITTED"
	SubmissionAccepted   SubmissionStatus = "ACCEPTED"
	SubmissionRejected   SubmissionStatus = "REJECTED"
	SubmissionFailed     SubmissionStatus = "FAILED"
	SubmissionRetrying   SubmissionStatus = "RETRYING"
)

func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionAccepted || s == SubmissionRejected
}

// Submission is the one-per-invoice government submission record.
// Re-submission on retry updates this record; the invoice identity is the
// idempotency key.
type Submission struct {
	ID        string           `json:"id"`
	InvoiceID string           `json:"invoice_id"`
	TenantID  string           `json:"tenant_id"`
	Status    SubmissionStatus `json:"status"`

	Payload  []byte `json:"-"`
	Unsigned bool   `json:"unsigned,omitempty"`

	Reference   string `json:"reference,omitempty"`
	ReceiptPath string `json:"receipt_path,omitempty"`

	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
