package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

type extractHarness struct {
	invoices *fakeInvoiceRepo
	jobs     *fakeJobRepo
	storage  *fakeStorage
	pre      *fakePreprocessor
	rec      *fakeRecognizer
	ext      *fakeExtractor
	queue    *fakeQueue
	orch     *ExtractionOrchestrator
}

func newExtractHarness(t *testing.T) *extractHarness {
	t.Helper()
	h := &extractHarness{
		invoices: newFakeInvoiceRepo(&domain.Invoice{
			ID:       "inv-1",
			TenantID: "tenant-a",
			Status:   domain.InvoiceUploaded,
			FilePath: "uploads/inv-1_faktura.pdf",
		}),
		jobs:    newFakeJobRepo(),
		storage: newFakeStorage(),
		pre:     &fakePreprocessor{result: ports.PreprocessResult{Text: "FAKTURA FV/2026/08/001", Pages: 1}},
		rec:     &fakeRecognizer{result: ports.RecognitionResult{Text: "FAKTURA FV/2026/08/001", Confidence: 92}},
		ext:     &fakeExtractor{fields: extractedFieldsFixture(), confidence: highConfidence()},
		queue:   &fakeQueue{},
	}
	h.storage.files["uploads/inv-1_faktura.pdf"] = []byte("%PDF-1.7 test")
	h.orch = NewExtractionOrchestrator(
		h.invoices, h.jobs, h.storage, h.pre, h.rec, h.ext,
		&fakeTenants{taxID: "5260250995"}, h.queue,
		ExtractionConfig{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond, MinTextConfidence: 60},
	)
	return h
}

func (h *extractHarness) queuedJob(t *testing.T) *domain.ExtractionJob {
	t.Helper()
	jobID, err := h.orch.StartExtraction(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("StartExtraction() error = %v", err)
	}
	return h.jobs.jobs[jobID]
}

func TestStartExtractionReturnsExistingJob(t *testing.T) {
	h := newExtractHarness(t)
	existing := &domain.ExtractionJob{ID: "job-1", InvoiceID: "inv-1", TenantID: "tenant-a", Status: domain.JobQueued}
	h.jobs.jobs["job-1"] = existing

	jobID, err := h.orch.StartExtraction(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("StartExtraction() error = %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("jobID = %q, want the existing job", jobID)
	}
	if h.jobs.createCalls != 0 {
		t.Fatalf("no new job should be created")
	}
}

func TestStartExtractionObservesRaceWinner(t *testing.T) {
	h := newExtractHarness(t)
	winner := &domain.ExtractionJob{ID: "job-winner", InvoiceID: "inv-1", TenantID: "tenant-a", Status: domain.JobQueued}
	h.jobs.jobs["job-winner"] = winner
	h.jobs.missFirstLookup = true

	jobID, err := h.orch.StartExtraction(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("StartExtraction() error = %v", err)
	}
	if jobID != "job-winner" {
		t.Fatalf("jobID = %q, want the race winner's job", jobID)
	}
	if h.jobs.createCalls != 1 {
		t.Fatalf("createCalls = %d, want the losing create attempt", h.jobs.createCalls)
	}
}

func TestProcessJobSkipsOCRForTextLayerPDF(t *testing.T) {
	h := newExtractHarness(t)
	job := h.queuedJob(t)

	if err := h.orch.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if h.rec.calls != 0 {
		t.Fatalf("the OCR engine must not be called when a text layer exists")
	}
	if job.Status != domain.JobCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want COMPLETED/100", job.Status, job.Progress)
	}
	if job.RecognitionMethod != domain.MethodPDFText || job.RecognitionConfidence != 100 {
		t.Fatalf("recognition = %s/%v, want pdf-text/100", job.RecognitionMethod, job.RecognitionConfidence)
	}

	inv := h.invoices.invoices["inv-1"]
	if inv.Status != domain.InvoiceExtracted {
		t.Fatalf("invoice status = %s, want EXTRACTED", inv.Status)
	}
	if inv.Number != "FV/2026/08/001" || inv.Seller.TaxID != "5260250995" {
		t.Fatalf("extracted fields not applied: %+v", inv)
	}
	if inv.Direction != domain.DirectionOutgoing {
		t.Fatalf("direction = %s, want OUTGOING", inv.Direction)
	}
	if len(h.queue.completed) != 1 || h.queue.completed[0].InvoiceID != "inv-1" {
		t.Fatalf("completed events = %+v", h.queue.completed)
	}
}

func TestProcessJobTagsLowOCRConfidenceWithoutBlocking(t *testing.T) {
	h := newExtractHarness(t)
	h.pre.result = ports.PreprocessResult{Image: []byte("png-bytes")}
	h.rec.result = ports.RecognitionResult{Text: "FAKTURA", Confidence: 42}
	job := h.queuedJob(t)

	if err := h.orch.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if h.rec.calls != 1 {
		t.Fatalf("recognizer calls = %d, want 1", h.rec.calls)
	}
	if !job.LowConfidenceText {
		t.Fatalf("low recognition confidence must be tagged on the job")
	}
	if job.RecognitionMethod != domain.MethodImageOCR {
		t.Fatalf("method = %s, want image-ocr", job.RecognitionMethod)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("low OCR confidence must not block the pipeline, job = %s", job.Status)
	}
}

func TestProcessJobRoutesLowFieldConfidenceToReview(t *testing.T) {
	h := newExtractHarness(t)
	h.ext.confidence = map[string]float64{"number": 0.55, "total_gross": 0.60}
	job := h.queuedJob(t)

	if err := h.orch.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	inv := h.invoices.invoices["inv-1"]
	if inv.Status != domain.InvoiceReviewing {
		t.Fatalf("invoice status = %s, want REVIEWING", inv.Status)
	}
	if inv.OverallConfidence >= ReviewThreshold {
		t.Fatalf("overall confidence = %v, expected below threshold", inv.OverallConfidence)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("job = %s, extraction itself succeeded", job.Status)
	}
}

func TestProcessJobResumesFromCheckpoints(t *testing.T) {
	h := newExtractHarness(t)
	h.invoices.invoices["inv-1"].Status = domain.InvoiceProcessing
	job := &domain.ExtractionJob{
		ID:              "job-1",
		InvoiceID:       "inv-1",
		TenantID:        "tenant-a",
		Status:          domain.JobRetrying,
		RetryCount:      1,
		RecognizedText:  "FAKTURA FV/2026/08/001",
		Fields:          extractedFieldsFixture(),
		FieldConfidence: highConfidence(),
		Direction:       domain.DirectionOutgoing,
	}
	h.jobs.jobs["job-1"] = job

	if err := h.orch.ProcessJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if h.pre.calls != 0 || h.rec.calls != 0 || h.ext.calls != 0 {
		t.Fatalf("checkpointed steps must not repeat external calls: pre=%d rec=%d ext=%d",
			h.pre.calls, h.rec.calls, h.ext.calls)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("job = %s, want COMPLETED", job.Status)
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceExtracted {
		t.Fatalf("invoice status = %s, want EXTRACTED", h.invoices.invoices["inv-1"].Status)
	}
}

func TestProcessJobTransientFailureSchedulesBackoff(t *testing.T) {
	h := newExtractHarness(t)
	h.ext.err = domain.WrapError(domain.ErrTemporary, "extraction service", errors.New("503"))
	job := h.queuedJob(t)

	err := h.orch.ProcessJob(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected the transient error to surface")
	}

	if job.Status != domain.JobRetrying || job.RetryCount != 1 {
		t.Fatalf("job = %s/retry %d, want RETRYING/1", job.Status, job.RetryCount)
	}
	if job.NextRetryAt == nil {
		t.Fatalf("backoff must be persisted on the job row")
	}
	if h.invoices.invoices["inv-1"].Status == domain.InvoiceError {
		t.Fatalf("invoice must not be errored while retries remain")
	}
	if len(h.queue.failed) != 0 {
		t.Fatalf("no failure event while retries remain")
	}
}

func TestProcessJobThreeTransientFailuresExhaustTheBudget(t *testing.T) {
	h := newExtractHarness(t)
	h.ext.err = domain.WrapError(domain.ErrTemporary, "extraction service", errors.New("503"))
	job := h.queuedJob(t)

	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.orch.ProcessJob(context.Background(), job.ID); err == nil {
			t.Fatalf("attempt %d: expected an error", attempt)
		}
	}

	if job.Status != domain.JobFailed {
		t.Fatalf("job = %s after three transient failures, want FAILED", job.Status)
	}
	if job.NextRetryAt != nil {
		t.Fatalf("no fourth attempt may be scheduled")
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceError {
		t.Fatalf("invoice status = %s, want ERROR", h.invoices.invoices["inv-1"].Status)
	}
}

func TestProcessJobExhaustedRetriesFailTerminally(t *testing.T) {
	h := newExtractHarness(t)
	h.ext.err = domain.WrapError(domain.ErrTemporary, "extraction service", errors.New("503"))
	h.invoices.invoices["inv-1"].Status = domain.InvoiceProcessing
	job := &domain.ExtractionJob{
		ID:             "job-1",
		InvoiceID:      "inv-1",
		TenantID:       "tenant-a",
		Status:         domain.JobRetrying,
		RetryCount:     3,
		RecognizedText: "FAKTURA",
	}
	h.jobs.jobs["job-1"] = job

	err := h.orch.ProcessJob(context.Background(), "job-1")
	if err == nil {
		t.Fatalf("expected the failure to surface")
	}

	if job.Status != domain.JobFailed {
		t.Fatalf("job = %s, want FAILED after exhausted retries", job.Status)
	}
	if job.FinishedAt == nil || job.NextRetryAt != nil {
		t.Fatalf("terminal job must be finished with no retry scheduled")
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceError {
		t.Fatalf("invoice status = %s, want ERROR", h.invoices.invoices["inv-1"].Status)
	}
	if len(h.queue.failed) != 1 || !strings.Contains(h.queue.failed[0].Error, "503") {
		t.Fatalf("failed events = %+v", h.queue.failed)
	}
}

func TestProcessJobEmptyRecognitionFailsPermanently(t *testing.T) {
	h := newExtractHarness(t)
	h.pre.result = ports.PreprocessResult{Image: []byte("png-bytes")}
	h.rec.result = ports.RecognitionResult{Text: "", Confidence: 0}
	job := h.queuedJob(t)

	err := h.orch.ProcessJob(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected an error for empty recognition output")
	}
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if job.Status != domain.JobFailed || job.RetryCount != 0 {
		t.Fatalf("permanent failures must not be retried: %s/%d", job.Status, job.RetryCount)
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceError {
		t.Fatalf("invoice status = %s, want ERROR", h.invoices.invoices["inv-1"].Status)
	}
}

func TestProcessJobIgnoresFinishedJobs(t *testing.T) {
	h := newExtractHarness(t)
	h.jobs.jobs["job-1"] = &domain.ExtractionJob{ID: "job-1", InvoiceID: "inv-1", Status: domain.JobCompleted}

	if err := h.orch.ProcessJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if h.ext.calls != 0 || h.pre.calls != 0 {
		t.Fatalf("redelivered events for finished jobs must be no-ops")
	}
}

func TestRetryExtractionRequeuesFailedJob(t *testing.T) {
	h := newExtractHarness(t)
	h.invoices.invoices["inv-1"].Status = domain.InvoiceError
	finished := time.Now()
	h.jobs.jobs["job-1"] = &domain.ExtractionJob{
		ID: "job-1", InvoiceID: "inv-1", Status: domain.JobFailed,
		RetryCount: 3, ErrorMessage: "boom", FinishedAt: &finished,
	}

	jobID, err := h.orch.RetryExtraction(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("RetryExtraction() error = %v", err)
	}
	job := h.jobs.jobs[jobID]
	if job.Status != domain.JobQueued || job.RetryCount != 0 || job.ErrorMessage != "" || job.FinishedAt != nil {
		t.Fatalf("job not reset: %+v", job)
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceProcessing {
		t.Fatalf("invoice status = %s, want PROCESSING", h.invoices.invoices["inv-1"].Status)
	}
}

func TestRetryExtractionRejectsRunningJob(t *testing.T) {
	h := newExtractHarness(t)
	h.jobs.jobs["job-1"] = &domain.ExtractionJob{ID: "job-1", InvoiceID: "inv-1", Status: domain.JobExtracting}

	_, err := h.orch.RetryExtraction(context.Background(), "inv-1")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestProcessDueRetriesResumesDueJobs(t *testing.T) {
	h := newExtractHarness(t)
	h.invoices.invoices["inv-1"].Status = domain.InvoiceProcessing
	due := time.Now().Add(-time.Second)
	h.jobs.jobs["job-1"] = &domain.ExtractionJob{
		ID: "job-1", InvoiceID: "inv-1", TenantID: "tenant-a",
		Status: domain.JobRetrying, RetryCount: 1, NextRetryAt: &due,
		RecognizedText:  "FAKTURA",
		Fields:          extractedFieldsFixture(),
		FieldConfidence: highConfidence(),
		Direction:       domain.DirectionOutgoing,
	}

	if err := h.orch.ProcessDueRetries(context.Background(), 10); err != nil {
		t.Fatalf("ProcessDueRetries() error = %v", err)
	}
	if h.jobs.jobs["job-1"].Status != domain.JobCompleted {
		t.Fatalf("due job should have completed, got %s", h.jobs.jobs["job-1"].Status)
	}
	if h.invoices.invoices["inv-1"].Status != domain.InvoiceExtracted {
		t.Fatalf("invoice status = %s, want EXTRACTED", h.invoices.invoices["inv-1"].Status)
	}
}
