package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/karolsw/ksef-gateway/internal/config"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/core/usecase"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/extractor/llm"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/preprocess"
	natsqueue "github.com/karolsw/ksef-gateway/internal/infrastructure/queue/nats"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/recognizer/httpocr"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/repository/postgres"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/storage/localfs"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/tenants"
	"github.com/karolsw/ksef-gateway/internal/ksef"
)

type App struct {
	Config config.Config

	Queue       *natsqueue.Queue
	Invoices    ports.InvoiceRepository
	Jobs        ports.ExtractionJobRepository
	Submissions ports.SubmissionRepository

	Ingestor    ports.InvoiceIngestor
	Extraction  *usecase.ExtractionOrchestrator
	Corrections ports.CorrectionService
	Approval    ports.ApprovalService
	Submission  *usecase.SubmissionManager

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	invoices := postgres.NewInvoiceRepository(db)
	if err := invoices.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	jobs := postgres.NewExtractionJobRepository(db)
	submissions := postgres.NewSubmissionRepository(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := natsqueue.NewWithOptions(cfg.NATSURL, natsqueue.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event queue: %w", err)
	}

	recognizer := httpocr.New(cfg.OCRURL, cfg.OCRLanguage,
		time.Duration(cfg.OCRTimeoutSeconds)*time.Second, executor)
	extractor, err := llm.New(cfg.ExtractorURL, cfg.ExtractorModel,
		time.Duration(cfg.ExtractorTimeoutSeconds)*time.Second, executor)
	if err != nil {
		return nil, fmt.Errorf("init field extractor: %w", err)
	}

	directory, err := tenants.NewStaticDirectory(cfg.TenantTaxIDs)
	if err != nil {
		return nil, fmt.Errorf("init tenant directory: %w", err)
	}

	platform := ksef.NewClient(cfg.KSeFURL, cfg.KSeFAuthToken, executor)
	builder := ksef.NewBuilder("ksef-gateway")
	signer, err := ksef.NewSigner(cfg.KSeFCertPath, cfg.KSeFKeyPath)
	if err != nil {
		return nil, fmt.Errorf("init document signer: %w", err)
	}

	ingestor := usecase.NewIngestInvoiceUseCase(invoices, storage, queue)
	extraction := usecase.NewExtractionOrchestrator(
		invoices, jobs, storage,
		preprocess.New(), recognizer, extractor, directory, queue,
		usecase.ExtractionConfig{
			MaxRetries:        cfg.MaxRetries,
			BackoffBase:       time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
			BackoffCap:        time.Duration(cfg.BackoffCapMillis) * time.Millisecond,
			MinTextConfidence: cfg.MinTextConfidence,
		},
	)
	corrections := usecase.NewCorrectionReconciler(invoices)
	approval := usecase.NewApproveInvoiceUseCase(invoices, queue)
	submission := usecase.NewSubmissionManager(
		invoices, submissions, builder, signer, platform, storage,
		usecase.SubmissionConfig{
			MaxRetries:         cfg.MaxRetries,
			BackoffBase:        time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
			BackoffCap:         time.Duration(cfg.BackoffCapMillis) * time.Millisecond,
			RequireSigned:      cfg.KSeFRequireSigned,
			StatusPollInterval: 2 * time.Second,
			StatusPollAttempts: 5,
		},
	)

	return &App{
		Config: cfg,

		Queue:       queue,
		Invoices:    invoices,
		Jobs:        jobs,
		Submissions: submissions,

		Ingestor:    ingestor,
		Extraction:  extraction,
		Corrections: corrections,
		Approval:    approval,
		Submission:  submission,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
