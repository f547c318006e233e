package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

type ExtractionJobRepository struct {
	db *sql.DB
}

func NewExtractionJobRepository(db *sql.DB) *ExtractionJobRepository {
	return &ExtractionJobRepository{db: db}
}

const jobColumns = `id, invoice_id, tenant_id, status, progress, retry_count, next_retry_at, recognized_text, recognition_confidence, recognition_method, low_confidence_text, fields, field_confidence, direction, direction_confidence, error_message, step_times, started_at, finished_at, created_at, updated_at`

// Create relies on the UNIQUE(invoice_id) constraint for the one-job-per-
// invoice guarantee; the loser of a concurrent create gets ErrConflict and
// reads the winner.
func (r *ExtractionJobRepository) Create(ctx context.Context, job *domain.ExtractionJob) error {
	fieldsJSON, confJSON, stepsJSON, err := marshalJobParts(job)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO extraction_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
`,
		job.ID, job.InvoiceID, job.TenantID, string(job.Status), job.Progress,
		job.RetryCount, job.NextRetryAt,
		job.RecognizedText, job.RecognitionConfidence, job.RecognitionMethod, job.LowConfidenceText,
		fieldsJSON, confJSON, string(job.Direction), job.DirectionConfidence,
		job.ErrorMessage, stepsJSON, job.StartedAt, job.FinishedAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert extraction job", err)
		}
		return fmt.Errorf("insert extraction job: %w", err)
	}
	return nil
}

func (r *ExtractionJobRepository) GetByID(ctx context.Context, id string) (*domain.ExtractionJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM extraction_jobs
WHERE id = $1
`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get extraction job", fmt.Errorf("job %s", id))
		}
		return nil, fmt.Errorf("get extraction job: %w", err)
	}
	return job, nil
}

func (r *ExtractionJobRepository) GetByInvoiceID(ctx context.Context, invoiceID string) (*domain.ExtractionJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM extraction_jobs
WHERE invoice_id = $1
`, invoiceID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get extraction job", fmt.Errorf("invoice %s", invoiceID))
		}
		return nil, fmt.Errorf("get extraction job: %w", err)
	}
	return job, nil
}

func (r *ExtractionJobRepository) Update(ctx context.Context, job *domain.ExtractionJob) error {
	fieldsJSON, confJSON, stepsJSON, err := marshalJobParts(job)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE extraction_jobs
SET status = $2, progress = $3, retry_count = $4, next_retry_at = $5,
    recognized_text = $6, recognition_confidence = $7, recognition_method = $8, low_confidence_text = $9,
    fields = $10, field_confidence = $11, direction = $12, direction_confidence = $13,
    error_message = $14, step_times = $15, started_at = $16, finished_at = $17, updated_at = $18
WHERE id = $1
`,
		job.ID, string(job.Status), job.Progress, job.RetryCount, job.NextRetryAt,
		job.RecognizedText, job.RecognitionConfidence, job.RecognitionMethod, job.LowConfidenceText,
		fieldsJSON, confJSON, string(job.Direction), job.DirectionConfidence,
		job.ErrorMessage, stepsJSON, job.StartedAt, job.FinishedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update extraction job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update extraction job rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "update extraction job", fmt.Errorf("job %s", job.ID))
	}
	return nil
}

func (r *ExtractionJobRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.ExtractionJob, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM extraction_jobs
WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
ORDER BY next_retry_at
LIMIT $3
`, string(domain.JobRetrying), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExtractionJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extraction job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due retries: %w", err)
	}
	return out, nil
}

func scanJob(row rowScanner) (*domain.ExtractionJob, error) {
	var job domain.ExtractionJob
	var status, direction string
	var fieldsRaw, confRaw, stepsRaw []byte

	err := row.Scan(
		&job.ID, &job.InvoiceID, &job.TenantID, &status, &job.Progress,
		&job.RetryCount, &job.NextRetryAt,
		&job.RecognizedText, &job.RecognitionConfidence, &job.RecognitionMethod, &job.LowConfidenceText,
		&fieldsRaw, &confRaw, &direction, &job.DirectionConfidence,
		&job.ErrorMessage, &stepsRaw, &job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(fieldsRaw) > 0 {
		job.Fields = &domain.ExtractedFields{}
		if err := json.Unmarshal(fieldsRaw, job.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	if len(confRaw) > 0 {
		if err := json.Unmarshal(confRaw, &job.FieldConfidence); err != nil {
			return nil, fmt.Errorf("unmarshal field confidence: %w", err)
		}
	}
	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &job.StepTimes); err != nil {
			return nil, fmt.Errorf("unmarshal step times: %w", err)
		}
	}
	job.Status = domain.JobStatus(status)
	job.Direction = domain.Direction(direction)
	return &job, nil
}

func marshalJobParts(job *domain.ExtractionJob) (fields, conf, steps []byte, err error) {
	if job.Fields != nil {
		if fields, err = json.Marshal(job.Fields); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal fields: %w", err)
		}
	}
	if job.FieldConfidence != nil {
		if conf, err = json.Marshal(job.FieldConfidence); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal field confidence: %w", err)
		}
	}
	if job.StepTimes == nil {
		steps = []byte("{}")
	} else if steps, err = json.Marshal(job.StepTimes); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal step times: %w", err)
	}
	return fields, conf, steps, nil
}
