package ksef

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ksef status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ksef %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ksef %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func classifyPlatformError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	// Structured platform rejections are the document's fault, not the
	// platform's; they must reach the submission manager untouched.
	var perr *ports.PlatformError
	if errors.As(err, &perr) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

// wrapTemporaryIfNeeded marks retryable transport failures as temporary so
// the submission manager schedules a persisted backoff instead of failing
// terminally. Platform rejections pass through untouched.
func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ports.PlatformError
	if errors.As(err, &perr) {
		return err
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	class := classifyPlatformError(err)
	if class.Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
