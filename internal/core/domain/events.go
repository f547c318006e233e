package domain

// Event payloads carried on the durable queue. Delivery is at-least-once, so
// every consumer must treat them idempotently.

type InvoiceUploadedEvent struct {
	InvoiceID string `json:"invoice_id"`
	TenantID  string `json:"tenant_id"`
	FilePath  string `json:"file_path"`
}

type ExtractionCompletedEvent struct {
	JobID     string `json:"job_id"`
	InvoiceID string `json:"invoice_id"`
	TenantID  string `json:"tenant_id"`
}

type ExtractionFailedEvent struct {
	JobID     string `json:"job_id"`
	InvoiceID string `json:"invoice_id"`
	TenantID  string `json:"tenant_id"`
	Error     string `json:"error"`
}

type InvoiceApprovedEvent struct {
	InvoiceID string `json:"invoice_id"`
	TenantID  string `json:"tenant_id"`
}
