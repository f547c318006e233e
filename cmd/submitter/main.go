// The submitter consumes approved-invoice events and drives government
// submissions: build, sign, send, poll, archive the receipt. Its retry loop
// also re-polls SUBMITTED records whose status check is due.
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

const serviceName = "submitter"

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
		Addr:    ":" + cfg.SubmitterMetricsPort,
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

	logger.Info("submitter subscribed", "subject", "invoices.approved")
	err = app.Queue.SubscribeInvoiceApproved(ctx, func(handlerCtx context.Context, evt domain.InvoiceApprovedEvent) error {
		submitCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()

		sub, err := app.Submission.Submit(submitCtx, evt.InvoiceID)
		if err != nil {
			pipelineMetrics.RecordSubmission(serviceName, "error")
			return err
		}
		pipelineMetrics.RecordSubmission(serviceName, string(sub.Status))
		return nil
	})
	if err != nil {
		log.Fatalf("submitter subscribe error: %v", err)
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
			if err := app.Submission.ProcessDueRetries(ctx, 10); err != nil {
				logger.Error("process due submissions", "error", err)
			}
		}
	}
}
