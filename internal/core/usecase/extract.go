package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

type ExtractionConfig struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MinTextConfidence float64 // 0-100, below it the text is tagged low-confidence
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		MaxRetries:        3,
		BackoffBase:       2 * time.Second,
		BackoffCap:        30 * time.Second,
		MinTextConfidence: 60,
	}
}

// ExtractionOrchestrator owns the extraction job state machine:
// QUEUED -> PREPROCESSING -> RECOGNIZING -> EXTRACTING -> VALIDATING ->
// PERSISTING -> COMPLETED, any step may fail. Step outputs are checkpointed
// on the job row so retries never repeat external calls whose output was
// already captured.
type ExtractionOrchestrator struct {
	invoices     ports.InvoiceRepository
	jobs         ports.ExtractionJobRepository
	storage      ports.ObjectStorage
	preprocessor ports.Preprocessor
	recognizer   ports.TextRecognizer
	extractor    ports.FieldExtractor
	tenants      ports.TenantDirectory
	queue        ports.EventQueue
	cfg          ExtractionConfig
	now          func() time.Time
}

func NewExtractionOrchestrator(
	invoices ports.InvoiceRepository,
	jobs ports.ExtractionJobRepository,
	storage ports.ObjectStorage,
	preprocessor ports.Preprocessor,
	recognizer ports.TextRecognizer,
	extractor ports.FieldExtractor,
	tenants ports.TenantDirectory,
	queue ports.EventQueue,
	cfg ExtractionConfig,
) *ExtractionOrchestrator {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultExtractionConfig()
	}
	return &ExtractionOrchestrator{
		invoices:     invoices,
		jobs:         jobs,
		storage:      storage,
		preprocessor: preprocessor,
		recognizer:   recognizer,
		extractor:    extractor,
		tenants:      tenants,
		queue:        queue,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StartExtraction is the idempotent enqueue: one job per invoice, ever. A
// concurrent second caller loses the uniqueness race and observes the
// winner's job id.
func (o *ExtractionOrchestrator) StartExtraction(ctx context.Context, invoiceID string) (string, error) {
	inv, err := o.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return "", fmt.Errorf("fetch invoice: %w", err)
	}

	if existing, err := o.jobs.GetByInvoiceID(ctx, invoiceID); err == nil {
		return existing.ID, nil
	} else if !domain.IsKind(err, domain.ErrNotFound) {
		return "", fmt.Errorf("look up existing job: %w", err)
	}

	now := o.now()
	job := &domain.ExtractionJob{
		ID:        uuid.NewString(),
		InvoiceID: inv.ID,
		TenantID:  inv.TenantID,
		Status:    domain.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			winner, lookupErr := o.jobs.GetByInvoiceID(ctx, invoiceID)
			if lookupErr != nil {
				return "", fmt.Errorf("fetch winning job after conflict: %w", lookupErr)
			}
			return winner.ID, nil
		}
		return "", fmt.Errorf("create extraction job: %w", err)
	}
	return job.ID, nil
}

func (o *ExtractionOrchestrator) JobStatus(ctx context.Context, jobID string) (*domain.ExtractionJob, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// RetryExtraction is the manual-retry action for a terminally failed job.
func (o *ExtractionOrchestrator) RetryExtraction(ctx context.Context, invoiceID string) (string, error) {
	job, err := o.jobs.GetByInvoiceID(ctx, invoiceID)
	if err != nil {
		return "", fmt.Errorf("fetch job for retry: %w", err)
	}
	if job.Status != domain.JobFailed {
		return "", domain.WrapError(domain.ErrInvalidTransition, "retry extraction",
			fmt.Errorf("job is %s, only FAILED jobs can be retried manually", job.Status))
	}

	job.Status = domain.JobQueued
	job.RetryCount = 0
	job.NextRetryAt = nil
	job.ErrorMessage = ""
	job.FinishedAt = nil
	job.UpdatedAt = o.now()
	if err := o.jobs.Update(ctx, job); err != nil {
		return "", fmt.Errorf("requeue job: %w", err)
	}

	err = o.invoices.TransitionStatus(ctx, invoiceID,
		[]domain.InvoiceStatus{domain.InvoiceError}, domain.InvoiceProcessing, "")
	if err != nil {
		return "", fmt.Errorf("reset invoice status: %w", err)
	}
	return job.ID, nil
}

// ProcessJob runs the pipeline for one job. Redelivered events for finished
// jobs are no-ops. A transient failure schedules a backed-off retry on the
// job row; a permanent one (or exhausted retries) terminates the job and
// moves the invoice to ERROR.
func (o *ExtractionOrchestrator) ProcessJob(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	if !job.Status.InFlight() {
		return nil
	}

	inv, err := o.invoices.GetByID(ctx, job.InvoiceID)
	if err != nil {
		return fmt.Errorf("fetch invoice: %w", err)
	}

	if job.StartedAt == nil {
		started := o.now()
		job.StartedAt = &started
	}
	err = o.invoices.TransitionStatus(ctx, inv.ID,
		[]domain.InvoiceStatus{domain.InvoiceUploaded, domain.InvoiceProcessing},
		domain.InvoiceProcessing, "")
	if err != nil && !domain.IsKind(err, domain.ErrInvalidTransition) {
		return fmt.Errorf("mark invoice processing: %w", err)
	}

	if err := o.run(ctx, job, inv); err != nil {
		return o.fail(ctx, job, err)
	}
	return nil
}

func (o *ExtractionOrchestrator) run(ctx context.Context, job *domain.ExtractionJob, inv *domain.Invoice) error {
	if job.RecognizedText == "" {
		if err := o.recognize(ctx, job, inv); err != nil {
			return err
		}
	}

	if job.Fields == nil {
		if err := o.extract(ctx, job); err != nil {
			return err
		}
	}

	job.MarkStep(domain.JobValidating, 80, o.now())
	if err := o.update(ctx, job); err != nil {
		return err
	}
	assessment := ScoreConfidence(job.FieldConfidence, job.Direction)

	job.MarkStep(domain.JobPersisting, 90, o.now())
	if err := o.update(ctx, job); err != nil {
		return err
	}
	if err := o.persist(ctx, job, inv, assessment); err != nil {
		return err
	}

	finished := o.now()
	job.FinishedAt = &finished
	job.ErrorMessage = ""
	job.MarkStep(domain.JobCompleted, 100, finished)
	if err := o.update(ctx, job); err != nil {
		return err
	}

	evt := domain.ExtractionCompletedEvent{JobID: job.ID, InvoiceID: inv.ID, TenantID: job.TenantID}
	if err := o.queue.PublishExtractionCompleted(ctx, evt); err != nil {
		slog.Warn("publish extraction completed", "job_id", job.ID, "error", err)
	}
	return nil
}

// recognize covers PREPROCESSING and RECOGNIZING. Preprocessing is local and
// side-effect-free, so it reruns from scratch on retry; the recognized text
// is checkpointed once obtained.
func (o *ExtractionOrchestrator) recognize(ctx context.Context, job *domain.ExtractionJob, inv *domain.Invoice) error {
	job.MarkStep(domain.JobPreprocessing, 10, o.now())
	if err := o.update(ctx, job); err != nil {
		return err
	}

	reader, err := o.storage.Open(ctx, inv.FilePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}

	prep, err := o.preprocessor.Prepare(ctx, data)
	if err != nil {
		return fmt.Errorf("preprocess document: %w", err)
	}

	job.MarkStep(domain.JobRecognizing, 30, o.now())
	if err := o.update(ctx, job); err != nil {
		return err
	}

	if prep.Text != "" {
		// Text layer extracted locally; no OCR call needed.
		job.RecognizedText = prep.Text
		job.RecognitionConfidence = 100
		job.RecognitionMethod = domain.MethodPDFText
	} else {
		result, err := o.recognizer.Recognize(ctx, prep.Image)
		if err != nil {
			return fmt.Errorf("recognize text: %w", err)
		}
		job.RecognizedText = result.Text
		job.RecognitionConfidence = result.Confidence
		job.RecognitionMethod = domain.MethodImageOCR
		// Low recognition confidence is tagged but never blocks the
		// pipeline; only the aggregate field confidence gates review.
		job.LowConfidenceText = result.Confidence < o.cfg.MinTextConfidence
	}

	if job.RecognizedText == "" {
		return domain.WrapError(domain.ErrInvalidInput, "recognize text", fmt.Errorf("no text recognized"))
	}
	return o.update(ctx, job)
}

// extract calls the extraction service and runs the directional
// classification sub-step, then checkpoints both on the job.
func (o *ExtractionOrchestrator) extract(ctx context.Context, job *domain.ExtractionJob) error {
	job.MarkStep(domain.JobExtracting, 55, o.now())
	if err := o.update(ctx, job); err != nil {
		return err
	}

	tenantNIP, err := o.tenants.TaxID(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant tax id: %w", err)
	}

	fields, confidence, err := o.extractor.ExtractFields(ctx, job.RecognizedText, ports.ExtractionHints{
		Locale:          "pl-PL",
		DefaultCurrency: "PLN",
		TenantTaxID:     tenantNIP,
	})
	if err != nil {
		return fmt.Errorf("extract fields: %w", err)
	}

	direction, directionConfidence := domain.ClassifyDirection(
		tenantNIP, deref(fields.Seller.TaxID), deref(fields.Buyer.TaxID))

	job.Fields = fields
	job.FieldConfidence = confidence
	job.Direction = direction
	job.DirectionConfidence = directionConfidence
	return o.update(ctx, job)
}

// persist writes the invoice fields and the review decision atomically.
// Storage-layer failures here are retried without repeating the external
// calls, since their outputs are already on the job row.
func (o *ExtractionOrchestrator) persist(ctx context.Context, job *domain.ExtractionJob, inv *domain.Invoice, assessment ConfidenceAssessment) error {
	applyExtractedFields(inv, job)
	inv.OverallConfidence = assessment.Overall
	inv.Status = domain.InvoiceExtracted
	if assessment.RequiresReview {
		inv.Status = domain.InvoiceReviewing
	}
	inv.UpdatedAt = o.now()

	if err := o.invoices.SaveExtractedData(ctx, inv); err != nil {
		return domain.WrapError(domain.ErrTemporary, "persist extracted invoice", err)
	}
	return nil
}

func (o *ExtractionOrchestrator) fail(ctx context.Context, job *domain.ExtractionJob, cause error) error {
	now := o.now()
	job.ErrorMessage = cause.Error()
	job.UpdatedAt = now

	// The failed attempt counts toward the cap: MaxRetries bounds the total
	// number of attempts, not the number of reschedules.
	if domain.IsKind(cause, domain.ErrTemporary) && job.RetryCount+1 < o.cfg.MaxRetries {
		job.RetryCount++
		delay := resilience.ExponentialDelay(o.cfg.BackoffBase, o.cfg.BackoffCap, job.RetryCount)
		at := now.Add(delay)
		job.NextRetryAt = &at
		job.Status = domain.JobRetrying
		if err := o.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("schedule retry: %w (after: %v)", err, cause)
		}
		slog.Warn("extraction retry scheduled",
			"job_id", job.ID, "attempt", job.RetryCount, "max", o.cfg.MaxRetries,
			"delay", delay.String(), "error", cause)
		return cause
	}

	job.Status = domain.JobFailed
	job.NextRetryAt = nil
	job.FinishedAt = &now
	if err := o.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("mark job failed: %w (after: %v)", err, cause)
	}

	err := o.invoices.TransitionStatus(ctx, job.InvoiceID, nil, domain.InvoiceError, cause.Error())
	if err != nil {
		slog.Error("mark invoice errored", "invoice_id", job.InvoiceID, "error", err)
	}

	evt := domain.ExtractionFailedEvent{JobID: job.ID, InvoiceID: job.InvoiceID, TenantID: job.TenantID, Error: cause.Error()}
	if err := o.queue.PublishExtractionFailed(ctx, evt); err != nil {
		slog.Warn("publish extraction failed event", "job_id", job.ID, "error", err)
	}
	return cause
}

// ProcessDueRetries re-runs jobs whose persisted backoff has elapsed. Called
// periodically by the worker so a crash-and-restart resumes from the rows,
// not from in-memory timers.
func (o *ExtractionOrchestrator) ProcessDueRetries(ctx context.Context, limit int) error {
	due, err := o.jobs.ListDueRetries(ctx, o.now(), limit)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}
	for i := range due {
		if err := o.ProcessJob(ctx, due[i].ID); err != nil {
			slog.Warn("retry processing failed", "job_id", due[i].ID, "error", err)
		}
	}
	return nil
}

func (o *ExtractionOrchestrator) update(ctx context.Context, job *domain.ExtractionJob) error {
	job.UpdatedAt = o.now()
	if err := o.jobs.Update(ctx, job); err != nil {
		return domain.WrapError(domain.ErrTemporary, "update job", err)
	}
	return nil
}

func applyExtractedFields(inv *domain.Invoice, job *domain.ExtractionJob) {
	f := job.Fields
	inv.Number = deref(f.Number)
	inv.IssueDate = deref(f.IssueDate)
	inv.DueDate = deref(f.DueDate)
	inv.Currency = deref(f.Currency)
	inv.TotalNet = deref(f.TotalNet)
	inv.TotalVAT = deref(f.TotalVAT)
	inv.TotalGross = deref(f.TotalGross)
	inv.Seller = domain.Party{
		Name:       deref(f.Seller.Name),
		TaxID:      deref(f.Seller.TaxID),
		Address:    deref(f.Seller.Address),
		Confidence: partyConfidence(job.FieldConfidence, "seller."),
	}
	inv.Buyer = domain.Party{
		Name:       deref(f.Buyer.Name),
		TaxID:      deref(f.Buyer.TaxID),
		Address:    deref(f.Buyer.Address),
		Confidence: partyConfidence(job.FieldConfidence, "buyer."),
	}
	inv.Direction = job.Direction
	inv.DirectionConfidence = job.DirectionConfidence

	inv.Lines = inv.Lines[:0]
	for i, line := range f.Lines {
		inv.Lines = append(inv.Lines, domain.LineItem{
			Position:     i + 1,
			Name:         deref(line.Name),
			Quantity:     deref(line.Quantity),
			UnitPriceNet: deref(line.UnitPriceNet),
			VATRate:      deref(line.VATRate),
			Net:          deref(line.Net),
			Gross:        deref(line.Gross),
		})
	}
}

func partyConfidence(confidence map[string]float64, prefix string) float64 {
	var sum float64
	var n int
	for field, c := range confidence {
		if len(field) > len(prefix) && field[:len(prefix)] == prefix {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
