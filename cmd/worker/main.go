// The worker consumes uploaded-invoice events and runs the extraction
// pipeline. A side loop picks up persisted retries, so jobs scheduled with a
// backoff survive restarts.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karolsw/ksef-gateway/internal/bootstrap"
	"github.com/karolsw/ksef-gateway/internal/config"
	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/observability/logging"
	"github.com/karolsw/ksef-gateway/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	pipelineMetrics := metrics.NewPipelineMetrics(serviceName)
	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: pipelineMetrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	go retryLoop(ctx, app, cfg, logger)

	logger.Info("worker subscribed", "subject", "invoices.uploaded")
	err = app.Queue.SubscribeInvoiceUploaded(ctx, func(handlerCtx context.Context, evt domain.InvoiceUploadedEvent) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()

		jobID, err := app.Extraction.StartExtraction(processCtx, evt.InvoiceID)
		if err != nil {
			return err
		}

		pipelineMetrics.StartJob()
		start := time.Now()
		err = app.Extraction.ProcessJob(processCtx, jobID)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		pipelineMetrics.FinishJob(serviceName, time.Since(start), outcome)
		return err
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}

func retryLoop(ctx context.Context, app *bootstrap.App, cfg config.Config, logger *slog.Logger) {
	interval := time.Duration(cfg.RetryPollSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.Extraction.ProcessDueRetries(ctx, 10); err != nil {
				logger.Error("process due retries", "error", err)
			}
		}
	}
}
