// Package llm is the client for the field extraction service. The service
// returns structured invoice fields with per-field confidence; responses are
// validated against a JSON schema before anything reaches the pipeline, so a
// malformed model answer surfaces as a temporary failure instead of garbage
// rows.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fields", "confidence"],
  "properties": {
    "fields": {
      "type": "object",
      "required": ["seller", "buyer", "lines"],
      "properties": {
        "number": {"type": ["string", "null"]},
        "issue_date": {"type": ["string", "null"]},
        "due_date": {"type": ["string", "null"]},
        "currency": {"type": ["string", "null"]},
        "total_net": {"type": ["string", "null"]},
        "total_vat": {"type": ["string", "null"]},
        "total_gross": {"type": ["string", "null"]},
        "seller": {"$ref": "#/$defs/party"},
        "buyer": {"$ref": "#/$defs/party"},
        "lines": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": {"type": ["string", "null"]},
              "quantity": {"type": ["string", "null"]},
              "unit_price_net": {"type": ["string", "null"]},
              "vat_rate": {"type": ["string", "null"]},
              "net": {"type": ["string", "null"]},
              "gross": {"type": ["string", "null"]}
            }
          }
        }
      }
    },
    "confidence": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    }
  },
  "$defs": {
    "party": {
      "type": "object",
      "properties": {
        "name": {"type": ["string", "null"]},
        "tax_id": {"type": ["string", "null"]},
        "address": {"type": ["string", "null"]}
      }
    }
  }
}`

type Extractor struct {
	baseURL    string
	model      string
	schema     *jsonschema.Schema
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, timeout time.Duration, executor *resilience.Executor) (*Extractor, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	schema, err := jsonschema.CompileString("extraction-response.json", responseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile extraction response schema: %w", err)
	}
	return &Extractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		schema:     schema,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}, nil
}

type extractRequest struct {
	Model string       `json:"model,omitempty"`
	Text  string       `json:"text"`
	Hints extractHints `json:"hints"`
}

type extractHints struct {
	Locale          string `json:"locale,omitempty"`
	DefaultCurrency string `json:"default_currency,omitempty"`
	TenantTaxID     string `json:"tenant_tax_id,omitempty"`
}

type extractResponse struct {
	Fields     domain.ExtractedFields `json:"fields"`
	Confidence map[string]float64     `json:"confidence"`
}

func (e *Extractor) ExtractFields(ctx context.Context, text string, hints ports.ExtractionHints) (*domain.ExtractedFields, map[string]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, domain.WrapError(domain.ErrInvalidInput, "extract fields",
			errors.New("empty recognized text"))
	}

	var raw []byte
	fn := func(ctx context.Context) error {
		body, err := json.Marshal(extractRequest{
			Model: e.model,
			Text:  text,
			Hints: extractHints{
				Locale:          hints.Locale,
				DefaultCurrency: hints.DefaultCurrency,
				TenantTaxID:     hints.TenantTaxID,
			},
		})
		if err != nil {
			return fmt.Errorf("marshal extract request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/extract", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create extract request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("extract request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &serviceStatusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read extract response: %w", err)
		}
		return nil
	}

	var err error
	if e.executor != nil {
		err = e.executor.Execute(ctx, "llm.extract", fn, classifyServiceError)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		if classifyServiceError(err).Retryable || resilience.IsCircuitOpen(err) {
			return nil, nil, domain.WrapError(domain.ErrTemporary, "extract fields", err)
		}
		return nil, nil, err
	}

	if err := e.validate(raw); err != nil {
		// Model output drifted out of shape; worth a fresh attempt.
		return nil, nil, domain.WrapError(domain.ErrTemporary, "extract fields", err)
	}

	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, domain.WrapError(domain.ErrTemporary, "extract fields",
			fmt.Errorf("decode extract response: %w", err))
	}
	if out.Confidence == nil {
		out.Confidence = map[string]float64{}
	}
	return &out.Fields, out.Confidence, nil
}

func (e *Extractor) validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("response is not json: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("response schema violation: %w", err)
	}
	return nil
}

type serviceStatusError struct {
	statusCode int
	body       string
}

func (e *serviceStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("extraction service status %d", e.statusCode)
	}
	return fmt.Sprintf("extraction service status %d: %s", e.statusCode, e.body)
}

func classifyServiceError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var statusErr *serviceStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= 500
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}
