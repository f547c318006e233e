package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/export"
	"github.com/karolsw/ksef-gateway/internal/observability/metrics"
)

const tenantHeader = "X-Tenant-Id"

type Router struct {
	ingestor    ports.InvoiceIngestor
	extraction  ports.ExtractionService
	corrections ports.CorrectionService
	approval    ports.ApprovalService
	submission  ports.SubmissionService
	invoices    ports.InvoiceRepository
	metrics     *metrics.HTTPServerMetrics
	service     string
}

func NewRouter(
	ingestor ports.InvoiceIngestor,
	extraction ports.ExtractionService,
	corrections ports.CorrectionService,
	approval ports.ApprovalService,
	submission ports.SubmissionService,
	invoices ports.InvoiceRepository,
	httpMetrics *metrics.HTTPServerMetrics,
	service string,
) *Router {
	return &Router{
		ingestor:    ingestor,
		extraction:  extraction,
		corrections: corrections,
		approval:    approval,
		submission:  submission,
		invoices:    invoices,
		metrics:     httpMetrics,
		service:     service,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/invoices", rt.uploadInvoice)
	mux.HandleFunc("/v1/invoices/", rt.invoiceSubresource)
	mux.HandleFunc("/v1/jobs/", rt.getJobByID)
	mux.HandleFunc("/v1/reports/register", rt.downloadRegister)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id is required"})
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	inv, err := rt.ingestor.Upload(r.Context(), tenantID, fileHeader.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordUpload(rt.service)
	}
	writeJSON(w, http.StatusAccepted, inv)
}

// invoiceSubresource dispatches /v1/invoices/{id} and its nested actions.
func (rt *Router) invoiceSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/invoices/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoice id is required"})
		return
	}

	switch action {
	case "":
		rt.getInvoiceByID(w, r, id)
	case "corrections":
		rt.applyCorrections(w, r, id)
	case "approve":
		rt.approveInvoice(w, r, id)
	case "submission":
		rt.getSubmission(w, r, id)
	case "retry":
		rt.retryInvoice(w, r, id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
	}
}

func (rt *Router) getInvoiceByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	inv, err := rt.invoices.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	corrections, err := rt.invoices.ListCorrections(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invoice":     inv,
		"corrections": corrections,
	})
}

func (rt *Router) applyCorrections(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Actor  string            `json:"actor"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fields are required"})
		return
	}

	applied, inv, err := rt.corrections.ApplyCorrections(r.Context(), id, req.Actor, req.Fields)
	if err != nil {
		writeError(w, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordCorrections(rt.service, applied)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"invoice": inv,
	})
}

func (rt *Router) approveInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := rt.approval.Approve(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordApproval(rt.service)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.InvoiceApproved)})
}

func (rt *Router) getSubmission(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	sub, err := rt.submission.SubmissionStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// retryInvoice is the explicit recovery action out of ERROR: stage selects
// whether extraction or submission is repeated.
func (rt *Router) retryInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	switch req.Stage {
	case "extraction":
		jobID, err := rt.extraction.RetryExtraction(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordManualRetry(rt.service, "extraction")
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case "submission":
		if err := rt.submission.ManualRetry(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordManualRetry(rt.service, "submission")
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stage must be 'extraction' or 'submission'"})
	}
}

func (rt *Router) getJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, err := rt.extraction.JobStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) downloadRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id is required"})
		return
	}

	invoices, err := rt.invoices.ListByTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteRegister(&buf, invoices); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="rejestr-faktur.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}

func tenantFromRequest(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get(tenantHeader)); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
