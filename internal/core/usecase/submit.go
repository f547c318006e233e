package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

type SubmissionConfig struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	RequireSigned      bool // production refuses unsigned documents
	StatusPollInterval time.Duration
	StatusPollAttempts int
}

func DefaultSubmissionConfig() SubmissionConfig {
	return SubmissionConfig{
		MaxRetries:         3,
		BackoffBase:        2 * time.Second,
		BackoffCap:         30 * time.Second,
		RequireSigned:      true,
		StatusPollInterval: 2 * time.Second,
		StatusPollAttempts: 5,
	}
}

// SubmissionManager owns the government submission state machine:
// PENDING -> SUBMITTING -> SUBMITTED -> {ACCEPTED | REJECTED}, with
// FAILED -> RETRYING on transient errors, bounded by the retry cap. An
// invoice whose submission is already ACCEPTED is never resubmitted.
type SubmissionManager struct {
	invoices    ports.InvoiceRepository
	submissions ports.SubmissionRepository
	builder     ports.DocumentBuilder
	signer      ports.DocumentSigner
	platform    ports.KSeFClient
	storage     ports.ObjectStorage
	cfg         SubmissionConfig
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]ports.Session
}

func NewSubmissionManager(
	invoices ports.InvoiceRepository,
	submissions ports.SubmissionRepository,
	builder ports.DocumentBuilder,
	signer ports.DocumentSigner,
	platform ports.KSeFClient,
	storage ports.ObjectStorage,
	cfg SubmissionConfig,
) *SubmissionManager {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultSubmissionConfig()
	}
	return &SubmissionManager{
		invoices:    invoices,
		submissions: submissions,
		builder:     builder,
		signer:      signer,
		platform:    platform,
		storage:     storage,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]ports.Session),
	}
}

func (m *SubmissionManager) SubmissionStatus(ctx context.Context, invoiceID string) (*domain.Submission, error) {
	return m.submissions.GetByInvoiceID(ctx, invoiceID)
}

// Submit drives one submission attempt for the invoice. The critical
// anti-duplication guarantee: an ACCEPTED submission short-circuits with the
// stored reference and never contacts the platform again.
func (m *SubmissionManager) Submit(ctx context.Context, invoiceID string) (*domain.Submission, error) {
	sub, err := m.submissions.GetByInvoiceID(ctx, invoiceID)
	switch {
	case err == nil:
		if sub.Status.Terminal() {
			return sub, nil
		}
	case domain.IsKind(err, domain.ErrNotFound):
		sub = nil
	default:
		return nil, fmt.Errorf("fetch submission: %w", err)
	}

	inv, err := m.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice: %w", err)
	}

	if sub == nil {
		if inv.Status != domain.InvoiceApproved {
			return nil, domain.WrapError(domain.ErrInvalidTransition, "submit invoice",
				fmt.Errorf("invoice is %s, submission requires APPROVED", inv.Status))
		}
		now := m.now()
		sub = &domain.Submission{
			ID:        uuid.NewString(),
			InvoiceID: inv.ID,
			TenantID:  inv.TenantID,
			Status:    domain.SubmissionPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.submissions.Create(ctx, sub); err != nil {
			if domain.IsKind(err, domain.ErrConflict) {
				// Lost the uniqueness race; observe the winner.
				return m.submissions.GetByInvoiceID(ctx, invoiceID)
			}
			return nil, fmt.Errorf("create submission: %w", err)
		}
	} else if inv.Status != domain.InvoiceApproved && inv.Status != domain.InvoiceSubmitted {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "submit invoice",
			fmt.Errorf("invoice is %s, submission requires APPROVED", inv.Status))
	}

	return m.attempt(ctx, inv, sub)
}

func (m *SubmissionManager) attempt(ctx context.Context, inv *domain.Invoice, sub *domain.Submission) (*domain.Submission, error) {
	// Already submitted, still awaiting the platform verdict.
	if sub.Status == domain.SubmissionSubmitted && sub.Reference != "" {
		return m.track(ctx, inv, sub)
	}

	if len(sub.Payload) == 0 {
		if err := m.prepare(ctx, inv, sub); err != nil {
			return m.fail(ctx, inv, sub, err)
		}
	}

	session, err := m.session(ctx, inv.TenantID)
	if err != nil {
		return m.fail(ctx, inv, sub, domain.WrapError(domain.ErrTemporary, "authenticate", err))
	}

	sub.Status = domain.SubmissionSubmitting
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}

	result, err := m.platform.Submit(ctx, session, sub.Payload)
	if err != nil {
		return m.fail(ctx, inv, sub, err)
	}

	// A re-issue of an already-assigned reference is an error condition,
	// surfaced by the uniqueness constraint.
	if err := m.submissions.SetReference(ctx, sub.ID, result.ReferenceNumber); err != nil {
		return m.fail(ctx, inv, sub, fmt.Errorf("store platform reference %s: %w", result.ReferenceNumber, err))
	}
	now := m.now()
	sub.Reference = result.ReferenceNumber
	sub.Status = domain.SubmissionSubmitted
	sub.SubmittedAt = &now
	sub.ErrorCode, sub.ErrorMessage, sub.ErrorDetails = "", "", ""
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}

	if err := m.invoices.SetKSeFReference(ctx, inv.ID, sub.Reference); err != nil {
		return nil, fmt.Errorf("store reference on invoice: %w", err)
	}
	err = m.invoices.TransitionStatus(ctx, inv.ID,
		[]domain.InvoiceStatus{domain.InvoiceApproved}, domain.InvoiceSubmitted, "")
	if err != nil {
		return nil, fmt.Errorf("mark invoice submitted: %w", err)
	}

	return m.track(ctx, inv, sub)
}

// prepare builds and signs the document, checkpointing the payload so a
// retry does not rebuild it. Build failures and unsigned documents in a
// production configuration are permanent.
func (m *SubmissionManager) prepare(ctx context.Context, inv *domain.Invoice, sub *domain.Submission) error {
	xml, err := m.builder.Build(inv)
	if err != nil {
		return err
	}
	signed, err := m.signer.Sign(xml)
	if err != nil {
		return fmt.Errorf("sign document: %w", err)
	}
	if !signed.Signed {
		if m.cfg.RequireSigned {
			return domain.WrapError(domain.ErrInvalidInput, "sign document",
				errors.New("unsigned submission refused in production configuration"))
		}
		sub.Unsigned = true
	}
	sub.Payload = signed.XML
	return m.update(ctx, sub)
}

// track polls the platform status a bounded number of times, then either
// finalizes the submission or leaves it SUBMITTED with a re-poll scheduled
// on the record.
func (m *SubmissionManager) track(ctx context.Context, inv *domain.Invoice, sub *domain.Submission) (*domain.Submission, error) {
	session, err := m.session(ctx, inv.TenantID)
	if err != nil {
		return m.fail(ctx, inv, sub, domain.WrapError(domain.ErrTemporary, "authenticate", err))
	}

	for attempt := 0; attempt < m.cfg.StatusPollAttempts; attempt++ {
		result, err := m.platform.GetStatus(ctx, session, sub.Reference)
		if err != nil {
			return m.fail(ctx, inv, sub, err)
		}
		switch result.Status {
		case ports.PlatformAccepted:
			return m.accept(ctx, inv, sub, session)
		case ports.PlatformRejected:
			// Record the platform's own code and description; they are what
			// the reviewer needs to correct the document.
			message := result.Description
			if message == "" {
				message = "document rejected by the platform"
			}
			return m.reject(ctx, inv, sub, &ports.PlatformError{
				Code:    result.Code,
				Message: message,
			})
		}
		if attempt < m.cfg.StatusPollAttempts-1 {
			select {
			case <-ctx.Done():
				return sub, ctx.Err()
			case <-time.After(m.cfg.StatusPollInterval):
			}
		}
	}

	// Still pending; re-poll later from the persisted schedule.
	at := m.now().Add(m.cfg.StatusPollInterval * 4)
	sub.NextRetryAt = &at
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *SubmissionManager) accept(ctx context.Context, inv *domain.Invoice, sub *domain.Submission, session ports.Session) (*domain.Submission, error) {
	receipt, contentType, err := m.platform.DownloadReceipt(ctx, session, sub.Reference)
	if err != nil {
		return m.fail(ctx, inv, sub, err)
	}
	receiptKey := path.Join("upo", sub.Reference+receiptExtension(contentType))
	if err := m.storage.Save(ctx, receiptKey, strings.NewReader(string(receipt))); err != nil {
		return m.fail(ctx, inv, sub, domain.WrapError(domain.ErrTemporary, "store receipt", err))
	}

	now := m.now()
	sub.Status = domain.SubmissionAccepted
	sub.ReceiptPath = receiptKey
	sub.AcceptedAt = &now
	sub.NextRetryAt = nil
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}

	err = m.invoices.TransitionStatus(ctx, inv.ID,
		[]domain.InvoiceStatus{domain.InvoiceSubmitted}, domain.InvoiceCompleted, "")
	if err != nil {
		return nil, fmt.Errorf("complete invoice: %w", err)
	}
	return sub, nil
}

func (m *SubmissionManager) reject(ctx context.Context, inv *domain.Invoice, sub *domain.Submission, perr *ports.PlatformError) (*domain.Submission, error) {
	sub.Status = domain.SubmissionRejected
	sub.ErrorCode = perr.Code
	sub.ErrorMessage = perr.Message
	sub.ErrorDetails = perr.Details
	sub.NextRetryAt = nil
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	// The document must be corrected and re-approved by a human.
	err := m.invoices.TransitionStatus(ctx, inv.ID, nil, domain.InvoiceError, perr.Error())
	if err != nil {
		slog.Error("mark invoice errored after rejection", "invoice_id", inv.ID, "error", err)
	}
	return sub, nil
}

func (m *SubmissionManager) fail(ctx context.Context, inv *domain.Invoice, sub *domain.Submission, cause error) (*domain.Submission, error) {
	var perr *ports.PlatformError
	if errors.As(cause, &perr) {
		return m.reject(ctx, inv, sub, perr)
	}

	now := m.now()
	sub.ErrorMessage = cause.Error()

	// The failed attempt counts toward the cap: MaxRetries bounds the total
	// number of attempts, not the number of reschedules.
	if domain.IsKind(cause, domain.ErrTemporary) && sub.RetryCount+1 < m.cfg.MaxRetries {
		sub.RetryCount++
		delay := resilience.ExponentialDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, sub.RetryCount)
		at := now.Add(delay)
		sub.NextRetryAt = &at
		sub.Status = domain.SubmissionRetrying
		if err := m.update(ctx, sub); err != nil {
			return nil, err
		}
		slog.Warn("submission retry scheduled",
			"invoice_id", sub.InvoiceID, "attempt", sub.RetryCount, "max", m.cfg.MaxRetries,
			"delay", delay.String(), "error", cause)
		return sub, cause
	}

	sub.Status = domain.SubmissionFailed
	sub.NextRetryAt = nil
	if err := m.update(ctx, sub); err != nil {
		return nil, err
	}
	err := m.invoices.TransitionStatus(ctx, inv.ID, nil, domain.InvoiceError, cause.Error())
	if err != nil {
		slog.Error("mark invoice errored", "invoice_id", inv.ID, "error", err)
	}
	return sub, cause
}

// ManualRetry resets a terminally failed submission after human
// intervention; automatic attempts have been exhausted by then.
func (m *SubmissionManager) ManualRetry(ctx context.Context, invoiceID string) error {
	sub, err := m.submissions.GetByInvoiceID(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("fetch submission: %w", err)
	}
	if sub.Status != domain.SubmissionFailed {
		return domain.WrapError(domain.ErrInvalidTransition, "retry submission",
			fmt.Errorf("submission is %s, only FAILED submissions can be retried manually", sub.Status))
	}

	sub.Status = domain.SubmissionPending
	sub.RetryCount = 0
	sub.NextRetryAt = nil
	sub.ErrorCode, sub.ErrorMessage, sub.ErrorDetails = "", "", ""
	if err := m.update(ctx, sub); err != nil {
		return err
	}
	return m.invoices.TransitionStatus(ctx, invoiceID,
		[]domain.InvoiceStatus{domain.InvoiceError}, domain.InvoiceApproved, "")
}

// ProcessDueRetries resumes submissions whose persisted backoff or re-poll
// schedule has elapsed.
func (m *SubmissionManager) ProcessDueRetries(ctx context.Context, limit int) error {
	due, err := m.submissions.ListDueRetries(ctx, m.now(), limit)
	if err != nil {
		return fmt.Errorf("list due submissions: %w", err)
	}
	for i := range due {
		if _, err := m.Submit(ctx, due[i].InvoiceID); err != nil {
			slog.Warn("submission retry failed", "invoice_id", due[i].InvoiceID, "error", err)
		}
	}
	return nil
}

// session returns a cached platform session, re-authenticating transparently
// when expired.
func (m *SubmissionManager) session(ctx context.Context, tenantID string) (ports.Session, error) {
	m.mu.Lock()
	cached, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if ok && !cached.Expired(m.now()) {
		return cached, nil
	}

	session, err := m.platform.Authenticate(ctx, tenantID)
	if err != nil {
		return ports.Session{}, err
	}
	m.mu.Lock()
	m.sessions[tenantID] = session
	m.mu.Unlock()
	return session, nil
}

func (m *SubmissionManager) update(ctx context.Context, sub *domain.Submission) error {
	sub.UpdatedAt = m.now()
	if err := m.submissions.Update(ctx, sub); err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return nil
}

func receiptExtension(contentType string) string {
	switch {
	case strings.Contains(contentType, "pdf"):
		return ".pdf"
	case strings.Contains(contentType, "xml"):
		return ".xml"
	default:
		return ".bin"
	}
}
