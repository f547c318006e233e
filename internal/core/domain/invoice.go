package domain

import "time"

type InvoiceStatus string

const (
	InvoiceUploaded   InvoiceStatus = "UPLOADED"
	InvoiceProcessing InvoiceStatus = "PROCESSING"
	InvoiceExtracted  InvoiceStatus = "EXTRACTED"
	InvoiceReviewing  InvoiceStatus = "REVIEWING"
	InvoiceApproved   InvoiceStatus = "APPROVED"
	InvoiceSubmitted  InvoiceStatus = "SUBMITTED"
	InvoiceCompleted  InvoiceStatus = "COMPLETED"
	InvoiceError      InvoiceStatus = "ERROR"
	InvoiceArchived   InvoiceStatus = "ARCHIVED"
)

// invoiceTransitions is the forward-only status graph. ERROR is additionally
// reachable from every non-terminal status; leaving ERROR is only possible
// through an explicit manual-retry action.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceUploaded:   {InvoiceProcessing},
	InvoiceProcessing: {InvoiceExtracted, InvoiceReviewing},
	InvoiceExtracted:  {InvoiceApproved, InvoiceArchived},
	InvoiceReviewing:  {InvoiceApproved, InvoiceArchived},
	InvoiceApproved:   {InvoiceSubmitted},
	InvoiceSubmitted:  {InvoiceCompleted},
	InvoiceCompleted:  {InvoiceArchived},
	InvoiceError:      {InvoiceProcessing, InvoiceReviewing, InvoiceApproved, InvoiceArchived},
}

func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	if next == InvoiceError {
		return s != InvoiceCompleted && s != InvoiceArchived && s != InvoiceError
	}
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceCompleted || s == InvoiceArchived
}

var allInvoiceStatuses = []InvoiceStatus{
	InvoiceUploaded, InvoiceProcessing, InvoiceExtracted, InvoiceReviewing,
	InvoiceApproved, InvoiceSubmitted, InvoiceCompleted, InvoiceError,
	InvoiceArchived,
}

// TransitionSources lists every status allowed to move to the target. Callers
// that don't care where the invoice currently is (failure paths moving it to
// ERROR) use this instead of enumerating sources by hand.
func TransitionSources(to InvoiceStatus) []InvoiceStatus {
	var sources []InvoiceStatus
	for _, s := range allInvoiceStatuses {
		if s.CanTransitionTo(to) {
			sources = append(sources, s)
		}
	}
	return sources
}

type Direction string

const (
	DirectionOutgoing Direction = "OUTGOING"
	DirectionIncoming Direction = "INCOMING"
	DirectionUnknown  Direction = "UNKNOWN"
)

// Party is an invoice counterparty with the extraction confidence for its
// identifying fields.
type Party struct {
	Name       string  `json:"name"`
	TaxID      string  `json:"tax_id"`
	Address    string  `json:"address,omitempty"`
	Confidence float64 `json:"confidence"`
}

// LineItem amounts are decimal strings to avoid float precision loss on the
// build/parse round trip.
type LineItem struct {
	Position     int    `json:"position"`
	Name         string `json:"name"`
	Quantity     string `json:"quantity"`
	UnitPriceNet string `json:"unit_price_net"`
	VATRate      string `json:"vat_rate"`
	Net          string `json:"net"`
	Gross        string `json:"gross"`
}

type Invoice struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	Status   InvoiceStatus `json:"status"`
	FilePath string        `json:"file_path"`

	Number    string `json:"number,omitempty"`
	IssueDate string `json:"issue_date,omitempty"` // YYYY-MM-DD
	DueDate   string `json:"due_date,omitempty"`   // YYYY-MM-DD
	Currency  string `json:"currency,omitempty"`   // ISO 4217

	TotalNet   string `json:"total_net,omitempty"`
	TotalVAT   string `json:"total_vat,omitempty"`
	TotalGross string `json:"total_gross,omitempty"`

	Seller Party `json:"seller"`
	Buyer  Party `json:"buyer"`

	Direction           Direction `json:"direction,omitempty"`
	DirectionConfidence float64   `json:"direction_confidence,omitempty"`
	OverallConfidence   float64   `json:"overall_confidence,omitempty"`

	Lines []LineItem `json:"lines,omitempty"`

	KSeFReference string `json:"ksef_reference,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Correctable returns true when human edits may still be applied.
func (inv *Invoice) Correctable() bool {
	return inv.Status == InvoiceReviewing || inv.Status == InvoiceExtracted
}
