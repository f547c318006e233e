package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

func newInvoiceRepoWithMock(t *testing.T) (*InvoiceRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &InvoiceRepository{db: db}, mock, func() { _ = db.Close() }
}

func invoiceRows(id, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "status", "file_path", "number", "issue_date", "due_date", "currency",
		"total_net", "total_vat", "total_gross", "seller", "buyer", "direction",
		"direction_confidence", "overall_confidence", "lines", "ksef_reference", "error_message",
		"created_at", "updated_at",
	}).AddRow(
		id, "tenant-1", status, "uploads/x.pdf", "FV/1/2026", "2026-01-10", "", "PLN",
		"100.00", "23.00", "123.00", []byte(`{"name":"A","tax_id":"1234563218"}`), []byte(`{"name":"B","tax_id":"5260250995"}`), "OUTGOING",
		1.0, 0.92, []byte(`[]`), "", "",
		now, now,
	)
}

func TestInvoiceGetByIDReturnsNotFound(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, tenant_id, status").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInvoiceCreateMapsUniqueViolationToConflict(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO invoices").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &domain.Invoice{
		ID:       "inv-1",
		TenantID: "tenant-1",
		Status:   domain.InvoiceUploaded,
		FilePath: "uploads/x.pdf",
	})
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionStatusLostRaceReturnsInvalidTransition(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE invoices").
		WithArgs("inv-1", string(domain.InvoiceApproved), "", sqlmock.AnyArg(), string(domain.InvoiceExtracted), string(domain.InvoiceReviewing)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, tenant_id, status").
		WithArgs("inv-1").
		WillReturnRows(invoiceRows("inv-1", string(domain.InvoiceSubmitted)))

	err := repo.TransitionStatus(context.Background(), "inv-1",
		[]domain.InvoiceStatus{domain.InvoiceExtracted, domain.InvoiceReviewing},
		domain.InvoiceApproved, "")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionStatusSucceedsFromExpectedSource(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE invoices").
		WithArgs("inv-1", string(domain.InvoiceProcessing), "", sqlmock.AnyArg(), string(domain.InvoiceUploaded)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TransitionStatus(context.Background(), "inv-1",
		[]domain.InvoiceStatus{domain.InvoiceUploaded}, domain.InvoiceProcessing, "")
	if err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionStatusEmptySourceCoversWholeGraph(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	// A nil source list expands to every status the graph allows to reach
	// ERROR, so failure paths always land the invoice there.
	mock.ExpectExec("UPDATE invoices").
		WithArgs("inv-1", string(domain.InvoiceError), "boom", sqlmock.AnyArg(),
			string(domain.InvoiceUploaded), string(domain.InvoiceProcessing),
			string(domain.InvoiceExtracted), string(domain.InvoiceReviewing),
			string(domain.InvoiceApproved), string(domain.InvoiceSubmitted)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TransitionStatus(context.Background(), "inv-1", nil, domain.InvoiceError, "boom")
	if err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyCorrectionsRollsBackOnInsertFailure(t *testing.T) {
	repo, mock, done := newInvoiceRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO corrections").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	inv := &domain.Invoice{ID: "inv-1", Status: domain.InvoiceReviewing}
	corrections := []domain.Correction{{
		ID:             "cor-1",
		InvoiceID:      "inv-1",
		Field:          "number",
		OriginalValue:  "FV/1",
		CorrectedValue: "FV/2",
		Actor:          "ksiegowa@example.pl",
		CorrectedAt:    time.Now().UTC(),
	}}
	if err := repo.ApplyCorrections(context.Background(), inv, corrections); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
