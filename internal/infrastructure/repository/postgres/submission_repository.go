package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

type SubmissionRepository struct {
	db *sql.DB
}

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

const submissionColumns = `id, invoice_id, tenant_id, status, payload, unsigned, reference, receipt_path, retry_count, next_retry_at, error_code, error_message, error_details, submitted_at, accepted_at, created_at, updated_at`

func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO submissions (`+submissionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`,
		sub.ID, sub.InvoiceID, sub.TenantID, string(sub.Status),
		sub.Payload, sub.Unsigned, nullableRef(sub.Reference), sub.ReceiptPath,
		sub.RetryCount, sub.NextRetryAt,
		sub.ErrorCode, sub.ErrorMessage, sub.ErrorDetails,
		sub.SubmittedAt, sub.AcceptedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert submission", err)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.Submission, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+submissionColumns+`
FROM submissions
WHERE invoice_id = $1
`, invoiceID)
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get submission", fmt.Errorf("invoice %s", invoiceID))
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (r *SubmissionRepository) Update(ctx context.Context, sub *domain.Submission) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET status = $2, payload = $3, unsigned = $4, receipt_path = $5,
    retry_count = $6, next_retry_at = $7,
    error_code = $8, error_message = $9, error_details = $10,
    submitted_at = $11, accepted_at = $12, updated_at = $13
WHERE id = $1
`,
		sub.ID, string(sub.Status), sub.Payload, sub.Unsigned, sub.ReceiptPath,
		sub.RetryCount, sub.NextRetryAt,
		sub.ErrorCode, sub.ErrorMessage, sub.ErrorDetails,
		sub.SubmittedAt, sub.AcceptedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "update submission", fmt.Errorf("submission %s", sub.ID))
	}
	return nil
}

// SetReference records the platform reference number under the partial unique
// index, so a duplicated platform response cannot attach one reference to two
// submissions.
func (r *SubmissionRepository) SetReference(ctx context.Context, id, reference string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET reference = $2, updated_at = $3
WHERE id = $1
`, id, reference, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "set submission reference", err)
		}
		return fmt.Errorf("set submission reference: %w", err)
	}
	return nil
}

// ListDueRetries returns submissions waiting for a retry attempt plus
// SUBMITTED records whose next status poll is due.
func (r *SubmissionRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+submissionColumns+`
FROM submissions
WHERE status IN ($1, $2) AND next_retry_at IS NOT NULL AND next_retry_at <= $3
ORDER BY next_retry_at
LIMIT $4
`, string(domain.SubmissionRetrying), string(domain.SubmissionSubmitted), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due submissions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due submissions: %w", err)
	}
	return out, nil
}

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var sub domain.Submission
	var status string
	var reference sql.NullString

	err := row.Scan(
		&sub.ID, &sub.InvoiceID, &sub.TenantID, &status,
		&sub.Payload, &sub.Unsigned, &reference, &sub.ReceiptPath,
		&sub.RetryCount, &sub.NextRetryAt,
		&sub.ErrorCode, &sub.ErrorMessage, &sub.ErrorDetails,
		&sub.SubmittedAt, &sub.AcceptedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.SubmissionStatus(status)
	sub.Reference = reference.String
	return &sub, nil
}

func nullableRef(reference string) any {
	if reference == "" {
		return nil
	}
	return reference
}
