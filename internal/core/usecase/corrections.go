package usecase

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type fieldAccessor struct {
	get      func(*domain.Invoice) string
	set      func(*domain.Invoice, string)
	validate func(string) error
}

func validateCurrency(s string) error {
	if !currencyPattern.MatchString(s) {
		return fmt.Errorf("not an ISO 4217 code: %q", s)
	}
	return nil
}

// correctableFields are the header and counterparty fields a reviewer may
// edit. Line items are corrected by re-extraction, not by hand.
var correctableFields = map[string]fieldAccessor{
	"number": {
		get: func(i *domain.Invoice) string { return i.Number },
		set: func(i *domain.Invoice, v string) { i.Number = v },
	},
	"issue_date": {
		get:      func(i *domain.Invoice) string { return i.IssueDate },
		set:      func(i *domain.Invoice, v string) { i.IssueDate = v },
		validate: domain.ValidateISODate,
	},
	"due_date": {
		get:      func(i *domain.Invoice) string { return i.DueDate },
		set:      func(i *domain.Invoice, v string) { i.DueDate = v },
		validate: domain.ValidateISODate,
	},
	"currency": {
		get:      func(i *domain.Invoice) string { return i.Currency },
		set:      func(i *domain.Invoice, v string) { i.Currency = v },
		validate: validateCurrency,
	},
	"total_net": {
		get:      func(i *domain.Invoice) string { return i.TotalNet },
		set:      func(i *domain.Invoice, v string) { i.TotalNet = v },
		validate: domain.ValidateAmount,
	},
	"total_vat": {
		get:      func(i *domain.Invoice) string { return i.TotalVAT },
		set:      func(i *domain.Invoice, v string) { i.TotalVAT = v },
		validate: domain.ValidateAmount,
	},
	"total_gross": {
		get:      func(i *domain.Invoice) string { return i.TotalGross },
		set:      func(i *domain.Invoice, v string) { i.TotalGross = v },
		validate: domain.ValidateAmount,
	},
	"seller.name": {
		get: func(i *domain.Invoice) string { return i.Seller.Name },
		set: func(i *domain.Invoice, v string) { i.Seller.Name = v },
	},
	"seller.tax_id": {
		get:      func(i *domain.Invoice) string { return i.Seller.TaxID },
		set:      func(i *domain.Invoice, v string) { i.Seller.TaxID = v },
		validate: domain.ValidateNIP,
	},
	"seller.address": {
		get: func(i *domain.Invoice) string { return i.Seller.Address },
		set: func(i *domain.Invoice, v string) { i.Seller.Address = v },
	},
	"buyer.name": {
		get: func(i *domain.Invoice) string { return i.Buyer.Name },
		set: func(i *domain.Invoice, v string) { i.Buyer.Name = v },
	},
	"buyer.tax_id": {
		get:      func(i *domain.Invoice) string { return i.Buyer.TaxID },
		set:      func(i *domain.Invoice, v string) { i.Buyer.TaxID = v },
		validate: domain.ValidateNIP,
	},
	"buyer.address": {
		get: func(i *domain.Invoice) string { return i.Buyer.Address },
		set: func(i *domain.Invoice, v string) { i.Buyer.Address = v },
	},
}

// CorrectionReconciler merges human edits into the extracted data, keeping
// an append-only audit trail of actual changes. It never touches the invoice
// status; approval is a separate action.
type CorrectionReconciler struct {
	invoices ports.InvoiceRepository
	now      func() time.Time
}

func NewCorrectionReconciler(invoices ports.InvoiceRepository) *CorrectionReconciler {
	return &CorrectionReconciler{
		invoices: invoices,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyCorrections validates the whole set first and mutates nothing on any
// validation failure. Replaying the same set is a no-op with zero new audit
// entries. Returns the applied diff count and the updated invoice.
func (r *CorrectionReconciler) ApplyCorrections(
	ctx context.Context,
	invoiceID, actor string,
	fields map[string]string,
) (int, *domain.Invoice, error) {
	inv, err := r.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch invoice: %w", err)
	}
	if !inv.Correctable() {
		return 0, nil, domain.WrapError(domain.ErrInvalidTransition, "apply corrections",
			fmt.Errorf("invoice is %s, corrections require REVIEWING or EXTRACTED", inv.Status))
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		accessor, ok := correctableFields[name]
		if !ok {
			return 0, nil, domain.WrapError(domain.ErrInvalidInput, "apply corrections",
				fmt.Errorf("unknown field %q", name))
		}
		if accessor.validate != nil {
			if err := accessor.validate(fields[name]); err != nil {
				return 0, nil, domain.WrapError(domain.ErrInvalidInput, "apply corrections",
					fmt.Errorf("field %q: %w", name, err))
			}
		}
	}

	now := r.now()
	var applied []domain.Correction
	for _, name := range names {
		accessor := correctableFields[name]
		current := accessor.get(inv)
		if current == fields[name] {
			continue
		}
		applied = append(applied, domain.Correction{
			ID:             uuid.NewString(),
			InvoiceID:      inv.ID,
			Field:          name,
			OriginalValue:  current,
			CorrectedValue: fields[name],
			Actor:          actor,
			CorrectedAt:    now,
		})
		accessor.set(inv, fields[name])
	}

	if len(applied) == 0 {
		return 0, inv, nil
	}

	inv.UpdatedAt = now
	if err := r.invoices.ApplyCorrections(ctx, inv, applied); err != nil {
		return 0, nil, fmt.Errorf("persist corrections: %w", err)
	}
	return len(applied), inv, nil
}
