package httpadapter

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type requestIDContextKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

// requestIDMiddleware accepts a caller-supplied X-Request-Id so accountant
// integrations can correlate an upload with their own audit trail, and mints
// one when the caller sends none. The id is echoed back on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware emits one structured line per request. The tenant id is
// logged alongside the request id because most operational questions here are
// per-company ("why did company X's invoice not show up").
func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tracked := &trackedResponse{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(tracked, r)

		clientAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientAddr = host
		}

		attrs := []any{
			"request_id", requestIDFromContext(r.Context()),
			"tenant_id", tenantFromRequest(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", tracked.status,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"bytes", tracked.written,
			"client_addr", clientAddr,
		}

		switch {
		case tracked.status >= 500:
			slog.Error("http_request", attrs...)
		case tracked.status >= 400:
			slog.Warn("http_request", attrs...)
		default:
			slog.Info("http_request", attrs...)
		}
	})
}

// trackedResponse records the status code and body size for the access log.
type trackedResponse struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *trackedResponse) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackedResponse) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

func (w *trackedResponse) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *trackedResponse) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
