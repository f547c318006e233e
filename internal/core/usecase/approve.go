package usecase

import (
	"context"
	"fmt"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

// ApproveInvoiceUseCase is the explicit human approval gate between
// extraction and submission.
type ApproveInvoiceUseCase struct {
	invoices ports.InvoiceRepository
	queue    ports.EventQueue
}

func NewApproveInvoiceUseCase(invoices ports.InvoiceRepository, queue ports.EventQueue) *ApproveInvoiceUseCase {
	return &ApproveInvoiceUseCase{invoices: invoices, queue: queue}
}

// Approve transitions EXTRACTED/REVIEWING to APPROVED, but only when domain
// validation passes with zero outstanding errors, and publishes the approved
// event that wakes the submission worker.
func (uc *ApproveInvoiceUseCase) Approve(ctx context.Context, invoiceID string) error {
	inv, err := uc.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("fetch invoice: %w", err)
	}
	if !inv.Correctable() {
		return domain.WrapError(domain.ErrInvalidTransition, "approve invoice",
			fmt.Errorf("invoice is %s, approval requires REVIEWING or EXTRACTED", inv.Status))
	}
	if err := inv.ValidateForApproval(); err != nil {
		return err
	}

	err = uc.invoices.TransitionStatus(ctx, inv.ID,
		[]domain.InvoiceStatus{domain.InvoiceExtracted, domain.InvoiceReviewing},
		domain.InvoiceApproved, "")
	if err != nil {
		return fmt.Errorf("transition to approved: %w", err)
	}

	evt := domain.InvoiceApprovedEvent{InvoiceID: inv.ID, TenantID: inv.TenantID}
	if err := uc.queue.PublishInvoiceApproved(ctx, evt); err != nil {
		return fmt.Errorf("publish approved event: %w", err)
	}
	return nil
}
