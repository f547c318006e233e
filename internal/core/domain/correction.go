package domain

import "time"

// Correction is one audit entry for a human field edit. Append-only.
type Correction struct {
	ID             string    `json:"id"`
	InvoiceID      string    `json:"invoice_id"`
	Field          string    `json:"field"`
	OriginalValue  string    `json:"original_value"`
	CorrectedValue string    `json:"corrected_value"`
	Actor          string    `json:"actor"`
	CorrectedAt    time.Time `json:"corrected_at"`
}
