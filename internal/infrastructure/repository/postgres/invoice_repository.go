package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

type InvoiceRepository struct {
	db *sql.DB
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *InvoiceRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker/submitter startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026083001)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	file_path TEXT NOT NULL,
	number TEXT NOT NULL DEFAULT '',
	issue_date TEXT NOT NULL DEFAULT '',
	due_date TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT '',
	total_net TEXT NOT NULL DEFAULT '',
	total_vat TEXT NOT NULL DEFAULT '',
	total_gross TEXT NOT NULL DEFAULT '',
	seller JSONB NOT NULL DEFAULT '{}'::jsonb,
	buyer JSONB NOT NULL DEFAULT '{}'::jsonb,
	direction TEXT NOT NULL DEFAULT '',
	direction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	lines JSONB NOT NULL DEFAULT '[]'::jsonb,
	ksef_reference TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_tenant ON invoices(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

CREATE TABLE IF NOT EXISTS corrections (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	field TEXT NOT NULL,
	original_value TEXT NOT NULL,
	corrected_value TEXT NOT NULL,
	actor TEXT NOT NULL,
	corrected_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_invoice ON corrections(invoice_id, corrected_at);

CREATE TABLE IF NOT EXISTS extraction_jobs (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL UNIQUE REFERENCES invoices(id),
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	recognized_text TEXT NOT NULL DEFAULT '',
	recognition_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	recognition_method TEXT NOT NULL DEFAULT '',
	low_confidence_text BOOLEAN NOT NULL DEFAULT FALSE,
	fields JSONB,
	field_confidence JSONB,
	direction TEXT NOT NULL DEFAULT '',
	direction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	step_times JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_retry ON extraction_jobs(next_retry_at) WHERE status = 'RETRYING';

CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL UNIQUE REFERENCES invoices(id),
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payload BYTEA,
	unsigned BOOLEAN NOT NULL DEFAULT FALSE,
	reference TEXT,
	receipt_path TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_details TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ,
	accepted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_reference ON submissions(reference) WHERE reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_submissions_retry ON submissions(next_retry_at) WHERE status IN ('RETRYING', 'SUBMITTED');
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const invoiceColumns = `id, tenant_id, status, file_path, number, issue_date, due_date, currency, total_net, total_vat, total_gross, seller, buyer, direction, direction_confidence, overall_confidence, lines, ksef_reference, error_message, created_at, updated_at`

func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	sellerJSON, buyerJSON, linesJSON, err := marshalInvoiceParts(inv)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO invoices (`+invoiceColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
`,
		inv.ID, inv.TenantID, string(inv.Status), inv.FilePath,
		inv.Number, inv.IssueDate, inv.DueDate, inv.Currency,
		inv.TotalNet, inv.TotalVAT, inv.TotalGross,
		sellerJSON, buyerJSON, string(inv.Direction), inv.DirectionConfidence, inv.OverallConfidence,
		linesJSON, inv.KSeFReference, inv.ErrorMessage, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert invoice", err)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+invoiceColumns+`
FROM invoices
WHERE id = $1
`, id)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get invoice", fmt.Errorf("invoice %s", id))
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// TransitionStatus moves the invoice to the target status only when the
// current status is one of the expected source statuses. The WHERE clause is
// the concurrency guard: a lost race surfaces as ErrInvalidTransition. An
// empty source list means "any status the graph allows" — failure paths use
// it to reach ERROR without enumerating where the invoice currently is.
func (r *InvoiceRepository) TransitionStatus(ctx context.Context, id string, from []domain.InvoiceStatus, to domain.InvoiceStatus, errMessage string) error {
	if len(from) == 0 {
		from = domain.TransitionSources(to)
	}

	placeholders := make([]string, 0, len(from))
	args := []any{id, string(to), errMessage, time.Now().UTC()}
	for i, status := range from {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+5))
		args = append(args, string(status))
	}

	query := `
UPDATE invoices
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1 AND status IN (` + strings.Join(placeholders, ",") + `)
`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition invoice status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition invoice status rows affected: %w", err)
	}
	if rows == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return domain.WrapError(domain.ErrInvalidTransition, "transition invoice status",
			fmt.Errorf("invoice %s is %s, cannot move to %s", id, current.Status, to))
	}
	return nil
}

func (r *InvoiceRepository) SaveExtractedData(ctx context.Context, inv *domain.Invoice) error {
	sellerJSON, buyerJSON, linesJSON, err := marshalInvoiceParts(inv)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
UPDATE invoices
SET number = $2, issue_date = $3, due_date = $4, currency = $5,
    total_net = $6, total_vat = $7, total_gross = $8,
    seller = $9, buyer = $10, direction = $11, direction_confidence = $12,
    overall_confidence = $13, lines = $14, updated_at = $15
WHERE id = $1
`,
		inv.ID, inv.Number, inv.IssueDate, inv.DueDate, inv.Currency,
		inv.TotalNet, inv.TotalVAT, inv.TotalGross,
		sellerJSON, buyerJSON, string(inv.Direction), inv.DirectionConfidence,
		inv.OverallConfidence, linesJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save extracted data: %w", err)
	}
	return nil
}

// ApplyCorrections writes the corrected fields and the audit entries in one
// transaction, so a partially applied correction set cannot be observed.
func (r *InvoiceRepository) ApplyCorrections(ctx context.Context, inv *domain.Invoice, corrections []domain.Correction) error {
	sellerJSON, buyerJSON, linesJSON, err := marshalInvoiceParts(inv)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin corrections tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE invoices
SET number = $2, issue_date = $3, due_date = $4, currency = $5,
    total_net = $6, total_vat = $7, total_gross = $8,
    seller = $9, buyer = $10, lines = $11, updated_at = $12
WHERE id = $1
`,
		inv.ID, inv.Number, inv.IssueDate, inv.DueDate, inv.Currency,
		inv.TotalNet, inv.TotalVAT, inv.TotalGross,
		sellerJSON, buyerJSON, linesJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update corrected invoice: %w", err)
	}

	for _, c := range corrections {
		_, err = tx.ExecContext(ctx, `
INSERT INTO corrections (id, invoice_id, field, original_value, corrected_value, actor, corrected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, c.ID, c.InvoiceID, c.Field, c.OriginalValue, c.CorrectedValue, c.Actor, c.CorrectedAt)
		if err != nil {
			return fmt.Errorf("insert correction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit corrections tx: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) ListCorrections(ctx context.Context, invoiceID string) ([]domain.Correction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, invoice_id, field, original_value, corrected_value, actor, corrected_at
FROM corrections
WHERE invoice_id = $1
ORDER BY corrected_at, id
`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Correction, 0)
	for rows.Next() {
		var c domain.Correction
		if err := rows.Scan(&c.ID, &c.InvoiceID, &c.Field, &c.OriginalValue, &c.CorrectedValue, &c.Actor, &c.CorrectedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate corrections: %w", err)
	}
	return out, nil
}

func (r *InvoiceRepository) SetKSeFReference(ctx context.Context, id, reference string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE invoices
SET ksef_reference = $2, updated_at = $3
WHERE id = $1
`, id, reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set ksef reference: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+invoiceColumns+`
FROM invoices
WHERE tenant_id = $1
ORDER BY created_at DESC
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var status, direction string
	var sellerRaw, buyerRaw, linesRaw []byte

	err := row.Scan(
		&inv.ID, &inv.TenantID, &status, &inv.FilePath,
		&inv.Number, &inv.IssueDate, &inv.DueDate, &inv.Currency,
		&inv.TotalNet, &inv.TotalVAT, &inv.TotalGross,
		&sellerRaw, &buyerRaw, &direction, &inv.DirectionConfidence, &inv.OverallConfidence,
		&linesRaw, &inv.KSeFReference, &inv.ErrorMessage, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(sellerRaw) > 0 {
		if err := json.Unmarshal(sellerRaw, &inv.Seller); err != nil {
			return nil, fmt.Errorf("unmarshal seller: %w", err)
		}
	}
	if len(buyerRaw) > 0 {
		if err := json.Unmarshal(buyerRaw, &inv.Buyer); err != nil {
			return nil, fmt.Errorf("unmarshal buyer: %w", err)
		}
	}
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &inv.Lines); err != nil {
			return nil, fmt.Errorf("unmarshal lines: %w", err)
		}
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.Direction = domain.Direction(direction)
	return &inv, nil
}

func marshalInvoiceParts(inv *domain.Invoice) (seller, buyer, lines []byte, err error) {
	seller, err = json.Marshal(inv.Seller)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal seller: %w", err)
	}
	buyer, err = json.Marshal(inv.Buyer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal buyer: %w", err)
	}
	if inv.Lines == nil {
		lines = []byte("[]")
	} else if lines, err = json.Marshal(inv.Lines); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal lines: %w", err)
	}
	return seller, buyer, lines, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
