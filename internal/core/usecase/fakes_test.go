package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

// Hand-written fakes over the ports. They mimic the repository semantics the
// use cases depend on: uniqueness conflicts, not-found kinds and the
// compare-and-set transition guard.

type fakeInvoiceRepo struct {
	invoices    map[string]*domain.Invoice
	corrections map[string][]domain.Correction
	transitions []string

	saveCalls  int
	applyCalls int
	saveErr    error
	applyErr   error
}

func newFakeInvoiceRepo(invoices ...*domain.Invoice) *fakeInvoiceRepo {
	r := &fakeInvoiceRepo{
		invoices:    make(map[string]*domain.Invoice),
		corrections: make(map[string][]domain.Correction),
	}
	for _, inv := range invoices {
		r.invoices[inv.ID] = inv
	}
	return r
}

func (r *fakeInvoiceRepo) Create(ctx context.Context, inv *domain.Invoice) error {
	if _, ok := r.invoices[inv.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create invoice", errors.New("duplicate id"))
	}
	r.invoices[inv.ID] = inv
	return nil
}

func (r *fakeInvoiceRepo) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get invoice", errors.New(id))
	}
	copied := *inv
	return &copied, nil
}

func (r *fakeInvoiceRepo) TransitionStatus(ctx context.Context, id string, from []domain.InvoiceStatus, to domain.InvoiceStatus, errMessage string) error {
	inv, ok := r.invoices[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "transition invoice", errors.New(id))
	}
	if len(from) == 0 {
		from = domain.TransitionSources(to)
	}
	matched := false
	for _, s := range from {
		if inv.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return domain.WrapError(domain.ErrInvalidTransition, "transition invoice",
			fmt.Errorf("invoice is %s", inv.Status))
	}
	r.transitions = append(r.transitions, string(inv.Status)+"->"+string(to))
	inv.Status = to
	inv.ErrorMessage = errMessage
	return nil
}

func (r *fakeInvoiceRepo) SaveExtractedData(ctx context.Context, inv *domain.Invoice) error {
	r.saveCalls++
	if r.saveErr != nil {
		return r.saveErr
	}
	copied := *inv
	r.invoices[inv.ID] = &copied
	return nil
}

func (r *fakeInvoiceRepo) ApplyCorrections(ctx context.Context, inv *domain.Invoice, corrections []domain.Correction) error {
	r.applyCalls++
	if r.applyErr != nil {
		return r.applyErr
	}
	copied := *inv
	r.invoices[inv.ID] = &copied
	r.corrections[inv.ID] = append(r.corrections[inv.ID], corrections...)
	return nil
}

func (r *fakeInvoiceRepo) ListCorrections(ctx context.Context, invoiceID string) ([]domain.Correction, error) {
	return r.corrections[invoiceID], nil
}

func (r *fakeInvoiceRepo) SetKSeFReference(ctx context.Context, id, reference string) error {
	inv, ok := r.invoices[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "set reference", errors.New(id))
	}
	inv.KSeFReference = reference
	return nil
}

func (r *fakeInvoiceRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	var out []domain.Invoice
	for _, inv := range r.invoices {
		if inv.TenantID == tenantID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

type fakeJobRepo struct {
	jobs map[string]*domain.ExtractionJob

	// missFirstLookup makes the first GetByInvoiceID report not-found even
	// when a job exists, simulating the create/create race window.
	missFirstLookup bool
	lookups         int
	createCalls     int
	updateCalls     int
	createErr       error
	updateErr       error
}

func newFakeJobRepo(jobs ...*domain.ExtractionJob) *fakeJobRepo {
	r := &fakeJobRepo{jobs: make(map[string]*domain.ExtractionJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobRepo) Create(ctx context.Context, job *domain.ExtractionJob) error {
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.jobs {
		if existing.InvoiceID == job.InvoiceID {
			return domain.WrapError(domain.ErrConflict, "create job", errors.New("invoice already has a job"))
		}
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.ExtractionJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get job", errors.New(id))
	}
	return job, nil
}

func (r *fakeJobRepo) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.ExtractionJob, error) {
	r.lookups++
	if r.missFirstLookup && r.lookups == 1 {
		return nil, domain.WrapError(domain.ErrNotFound, "get job", errors.New(invoiceID))
	}
	for _, job := range r.jobs {
		if job.InvoiceID == invoiceID {
			return job, nil
		}
	}
	return nil, domain.WrapError(domain.ErrNotFound, "get job", errors.New(invoiceID))
}

func (r *fakeJobRepo) Update(ctx context.Context, job *domain.ExtractionJob) error {
	r.updateCalls++
	if r.updateErr != nil {
		return r.updateErr
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeJobRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.ExtractionJob, error) {
	var due []domain.ExtractionJob
	for _, job := range r.jobs {
		if job.Status == domain.JobRetrying && job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			due = append(due, *job)
		}
	}
	return due, nil
}

type fakeSubmissionRepo struct {
	subs map[string]*domain.Submission

	createErr    error
	referenceErr error
	createCalls  int
	updateCalls  int
}

func newFakeSubmissionRepo(subs ...*domain.Submission) *fakeSubmissionRepo {
	r := &fakeSubmissionRepo{subs: make(map[string]*domain.Submission)}
	for _, s := range subs {
		r.subs[s.ID] = s
	}
	return r
}

func (r *fakeSubmissionRepo) Create(ctx context.Context, sub *domain.Submission) error {
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.subs {
		if existing.InvoiceID == sub.InvoiceID {
			return domain.WrapError(domain.ErrConflict, "create submission", errors.New("invoice already has a submission"))
		}
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeSubmissionRepo) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.Submission, error) {
	for _, sub := range r.subs {
		if sub.InvoiceID == invoiceID {
			return sub, nil
		}
	}
	return nil, domain.WrapError(domain.ErrNotFound, "get submission", errors.New(invoiceID))
}

func (r *fakeSubmissionRepo) Update(ctx context.Context, sub *domain.Submission) error {
	r.updateCalls++
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeSubmissionRepo) SetReference(ctx context.Context, id, reference string) error {
	if r.referenceErr != nil {
		return r.referenceErr
	}
	sub, ok := r.subs[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "set reference", errors.New(id))
	}
	sub.Reference = reference
	return nil
}

func (r *fakeSubmissionRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	var due []domain.Submission
	for _, sub := range r.subs {
		retryable := sub.Status == domain.SubmissionRetrying || sub.Status == domain.SubmissionSubmitted
		if retryable && sub.NextRetryAt != nil && !sub.NextRetryAt.After(now) {
			due = append(due, *sub)
		}
	}
	return due, nil
}

type fakeStorage struct {
	files   map[string][]byte
	saveErr error
	openErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{files: make(map[string][]byte)}
}

func (s *fakeStorage) Save(ctx context.Context, key string, data io.Reader) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.files[key] = content
	return nil
}

func (s *fakeStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	content, ok := s.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open object", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

type fakeQueue struct {
	uploaded  []domain.InvoiceUploadedEvent
	completed []domain.ExtractionCompletedEvent
	failed    []domain.ExtractionFailedEvent
	approved  []domain.InvoiceApprovedEvent

	publishErr error
}

func (q *fakeQueue) PublishInvoiceUploaded(ctx context.Context, evt domain.InvoiceUploadedEvent) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.uploaded = append(q.uploaded, evt)
	return nil
}

func (q *fakeQueue) PublishExtractionCompleted(ctx context.Context, evt domain.ExtractionCompletedEvent) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.completed = append(q.completed, evt)
	return nil
}

func (q *fakeQueue) PublishExtractionFailed(ctx context.Context, evt domain.ExtractionFailedEvent) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.failed = append(q.failed, evt)
	return nil
}

func (q *fakeQueue) PublishInvoiceApproved(ctx context.Context, evt domain.InvoiceApprovedEvent) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.approved = append(q.approved, evt)
	return nil
}

func (q *fakeQueue) SubscribeInvoiceUploaded(ctx context.Context, handler func(context.Context, domain.InvoiceUploadedEvent) error) error {
	return nil
}

func (q *fakeQueue) SubscribeInvoiceApproved(ctx context.Context, handler func(context.Context, domain.InvoiceApprovedEvent) error) error {
	return nil
}

type fakePreprocessor struct {
	result ports.PreprocessResult
	err    error
	calls  int
}

func (p *fakePreprocessor) Prepare(ctx context.Context, data []byte) (ports.PreprocessResult, error) {
	p.calls++
	return p.result, p.err
}

type fakeRecognizer struct {
	result ports.RecognitionResult
	err    error
	calls  int
}

func (r *fakeRecognizer) Recognize(ctx context.Context, image []byte) (ports.RecognitionResult, error) {
	r.calls++
	return r.result, r.err
}

type fakeExtractor struct {
	fields     *domain.ExtractedFields
	confidence map[string]float64
	err        error
	calls      int
	lastHints  ports.ExtractionHints
}

func (e *fakeExtractor) ExtractFields(ctx context.Context, text string, hints ports.ExtractionHints) (*domain.ExtractedFields, map[string]float64, error) {
	e.calls++
	e.lastHints = hints
	return e.fields, e.confidence, e.err
}

type fakeTenants struct {
	taxID string
	err   error
}

func (t *fakeTenants) TaxID(ctx context.Context, tenantID string) (string, error) {
	return t.taxID, t.err
}

type fakeBuilder struct {
	xml   []byte
	err   error
	calls int
}

func (b *fakeBuilder) Build(inv *domain.Invoice) ([]byte, error) {
	b.calls++
	return b.xml, b.err
}

type fakeSigner struct {
	signed bool
	err    error
}

func (s *fakeSigner) Sign(xml []byte) (ports.SignedDocument, error) {
	if s.err != nil {
		return ports.SignedDocument{}, s.err
	}
	return ports.SignedDocument{XML: xml, Signed: s.signed}, nil
}

type fakePlatform struct {
	session ports.Session
	authErr error

	submitResult ports.SubmitResult
	submitErr    error
	submitCalls  int

	// statuses are returned in order; the last one repeats once exhausted.
	statuses    []ports.StatusResult
	statusErr   error
	statusCalls int

	receipt     []byte
	receiptType string
	receiptErr  error
}

func (p *fakePlatform) Authenticate(ctx context.Context, tenantID string) (ports.Session, error) {
	if p.authErr != nil {
		return ports.Session{}, p.authErr
	}
	if p.session.Token == "" {
		p.session = ports.Session{Token: "session-token", ExpiresAt: time.Now().Add(time.Hour)}
	}
	return p.session, nil
}

func (p *fakePlatform) Submit(ctx context.Context, session ports.Session, signedXML []byte) (ports.SubmitResult, error) {
	p.submitCalls++
	if p.submitErr != nil {
		return ports.SubmitResult{}, p.submitErr
	}
	return p.submitResult, nil
}

func (p *fakePlatform) GetStatus(ctx context.Context, session ports.Session, reference string) (ports.StatusResult, error) {
	p.statusCalls++
	if p.statusErr != nil {
		return ports.StatusResult{}, p.statusErr
	}
	if len(p.statuses) == 0 {
		return ports.StatusResult{Status: ports.PlatformPending}, nil
	}
	idx := p.statusCalls - 1
	if idx >= len(p.statuses) {
		idx = len(p.statuses) - 1
	}
	return p.statuses[idx], nil
}

func (p *fakePlatform) DownloadReceipt(ctx context.Context, session ports.Session, reference string) ([]byte, string, error) {
	if p.receiptErr != nil {
		return nil, "", p.receiptErr
	}
	return p.receipt, p.receiptType, nil
}

func str(s string) *string { return &s }

func extractedFieldsFixture() *domain.ExtractedFields {
	return &domain.ExtractedFields{
		Number:     str("FV/2026/08/001"),
		IssueDate:  str("2026-08-12"),
		DueDate:    str("2026-08-26"),
		Currency:   str("PLN"),
		TotalNet:   str("1000.00"),
		TotalVAT:   str("230.00"),
		TotalGross: str("1230.00"),
		Seller:     domain.ExtractedParty{Name: str("Hurtownia Stali sp. z o.o."), TaxID: str("5260250995")},
		Buyer:      domain.ExtractedParty{Name: str("Warsztat Metalowy Kowalski"), TaxID: str("1234563218")},
		Lines: []domain.ExtractedLine{
			{Name: str("Blacha stalowa 2mm"), Quantity: str("10"), UnitPriceNet: str("100.00"), VATRate: str("23"), Net: str("1000.00"), Gross: str("1230.00")},
		},
	}
}

func highConfidence() map[string]float64 {
	return map[string]float64{
		"number":        0.98,
		"issue_date":    0.97,
		"total_gross":   0.99,
		"seller.tax_id": 0.96,
		"buyer.tax_id":  0.95,
		"lines[0].name": 0.90,
	}
}
