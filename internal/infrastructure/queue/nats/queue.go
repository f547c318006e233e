package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

// Pipeline subjects. Extraction workers consume uploaded, submitters consume
// approved; the completed/failed subjects fan out to anything interested
// (metrics, notifications).
const (
	SubjectInvoiceUploaded  = "invoices.uploaded"
	SubjectExtracted        = "invoices.extracted"
	SubjectExtractionFailed = "invoices.extraction_failed"
	SubjectInvoiceApproved  = "invoices.approved"
)

type Queue struct {
	conn     *nats.Conn
	executor *resilience.Executor
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("ksef-gateway"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishInvoiceUploaded(ctx context.Context, evt domain.InvoiceUploadedEvent) error {
	return q.publish(ctx, SubjectInvoiceUploaded, evt)
}

func (q *Queue) PublishExtractionCompleted(ctx context.Context, evt domain.ExtractionCompletedEvent) error {
	return q.publish(ctx, SubjectExtracted, evt)
}

func (q *Queue) PublishExtractionFailed(ctx context.Context, evt domain.ExtractionFailedEvent) error {
	return q.publish(ctx, SubjectExtractionFailed, evt)
}

func (q *Queue) PublishInvoiceApproved(ctx context.Context, evt domain.InvoiceApprovedEvent) error {
	return q.publish(ctx, SubjectInvoiceApproved, evt)
}

func (q *Queue) publish(ctx context.Context, subject string, evt any) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) SubscribeInvoiceUploaded(ctx context.Context, handler func(context.Context, domain.InvoiceUploadedEvent) error) error {
	return subscribe(ctx, q.conn, SubjectInvoiceUploaded, "extraction-workers", handler)
}

func (q *Queue) SubscribeInvoiceApproved(ctx context.Context, handler func(context.Context, domain.InvoiceApprovedEvent) error) error {
	return subscribe(ctx, q.conn, SubjectInvoiceApproved, "submitters", handler)
}

// subscribe runs a queue-group subscription until ctx is cancelled, then
// drains. The queue group gives competing-consumer semantics when several
// worker replicas run.
func subscribe[E any](ctx context.Context, conn *nats.Conn, subject, group string, handler func(context.Context, E) error) error {
	sub, err := conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var evt E
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Error("drop malformed event", "subject", subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, evt); err != nil {
			slog.Error("event handler failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
