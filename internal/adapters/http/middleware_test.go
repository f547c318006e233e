package httpadapter

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewareEchoesCallerID(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := requestIDFromContext(r.Context()); got != "req-42" {
			t.Fatalf("context request id = %q, want req-42", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("response request id = %q, want req-42", got)
	}
}

func TestRequestIDMiddlewareMintsIDWhenMissing(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices", nil))

	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("a request id must be minted when the caller sends none")
	}
}

func TestAccessLogCarriesTenantAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	handler := requestIDMiddleware(accessLogMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))

	req := httptest.NewRequest(http.MethodGet, "/invoices/inv-1", nil)
	req.Header.Set(tenantHeader, "tenant-a")
	req.Header.Set(requestIDHeader, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access log is not one JSON line: %v", err)
	}
	if line["tenant_id"] != "tenant-a" {
		t.Fatalf("tenant_id = %v, want tenant-a", line["tenant_id"])
	}
	if line["request_id"] != "req-7" {
		t.Fatalf("request_id = %v, want req-7", line["request_id"])
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Fatalf("status = %v, want 404", line["status"])
	}
	if line["level"] != "WARN" {
		t.Fatalf("level = %v, 4xx responses log at WARN", line["level"])
	}
}
