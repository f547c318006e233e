package ksef

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

// Client is the production national-platform client. Sessions are
// authenticated per tenant with the configured authorization token; the
// caller owns the session cache and expiry handling.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	executor   *resilience.Executor
}

func NewClient(baseURL, authToken string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

func (c *Client) Authenticate(ctx context.Context, tenantID string) (ports.Session, error) {
	request := map[string]any{
		"contextIdentifier": map[string]string{
			"type":       "tenant",
			"identifier": tenantID,
		},
		"authorisationToken": c.authToken,
	}
	var response struct {
		SessionToken struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"sessionToken"`
	}
	err := c.call(ctx, "ksef.authenticate", http.MethodPost, "/api/online/Session/InitToken", "", request, &response)
	if err != nil {
		return ports.Session{}, wrapTemporaryIfNeeded("ksef.authenticate", err)
	}
	return ports.Session{
		Token:     response.SessionToken.Token,
		ExpiresAt: response.SessionToken.ExpiresAt,
	}, nil
}

func (c *Client) Submit(ctx context.Context, session ports.Session, signedXML []byte) (ports.SubmitResult, error) {
	request := map[string]any{
		"invoicePayload": map[string]string{
			"type":        "plain",
			"invoiceBody": base64.StdEncoding.EncodeToString(signedXML),
		},
	}
	var response struct {
		ElementReferenceNumber string    `json:"elementReferenceNumber"`
		Timestamp              time.Time `json:"timestamp"`
	}
	err := c.call(ctx, "ksef.submit", http.MethodPut, "/api/online/Invoice/Send", session.Token, request, &response)
	if err != nil {
		return ports.SubmitResult{}, wrapTemporaryIfNeeded("ksef.submit", err)
	}
	return ports.SubmitResult{
		ReferenceNumber: response.ElementReferenceNumber,
		AcceptedAt:      response.Timestamp,
	}, nil
}

func (c *Client) GetStatus(ctx context.Context, session ports.Session, reference string) (ports.StatusResult, error) {
	var response struct {
		ProcessingCode        int    `json:"processingCode"`
		ProcessingDescription string `json:"processingDescription"`
	}
	path := "/api/online/Invoice/Status/" + reference
	err := c.call(ctx, "ksef.status", http.MethodGet, path, session.Token, nil, &response)
	if err != nil {
		return ports.StatusResult{}, wrapTemporaryIfNeeded("ksef.status", err)
	}
	result := ports.StatusResult{
		Code:        strconv.Itoa(response.ProcessingCode),
		Description: response.ProcessingDescription,
	}
	switch {
	case response.ProcessingCode == 200:
		result.Status = ports.PlatformAccepted
	case response.ProcessingCode >= 400:
		result.Status = ports.PlatformRejected
	default:
		result.Status = ports.PlatformPending
	}
	return result, nil
}

func (c *Client) DownloadReceipt(ctx context.Context, session ports.Session, reference string) ([]byte, string, error) {
	var body []byte
	var contentType string
	fn := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/api/common/Status/"+reference+"/upo", nil)
		if err != nil {
			return fmt.Errorf("create upo request: %w", err)
		}
		req.Header.Set("SessionToken", session.Token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ksef upo request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return httpError("ksef.upo", resp)
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read upo body: %w", err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ksef.upo", fn, classifyPlatformError)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		return nil, "", wrapTemporaryIfNeeded("ksef.upo", err)
	}
	return body, contentType, nil
}

func (c *Client) call(ctx context.Context, operation, method, path, sessionToken string, payload, out any) error {
	fn := func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			body, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal %s request: %w", operation, err)
			}
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if sessionToken != "" {
			req.Header.Set("SessionToken", sessionToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ksef %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return httpError(operation, resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s response: %w", operation, err)
			}
		}
		return nil
	}

	if c.executor != nil {
		return c.executor.Execute(ctx, operation, fn, classifyPlatformError)
	}
	return fn(ctx)
}

// httpError turns a non-2xx platform response into either a structured
// PlatformError (4xx with an exception body, not retryable) or an
// HTTPStatusError (handled by the transient classification).
func httpError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var payload struct {
			Exception struct {
				ServiceCode  string `json:"serviceCode"`
				Message      string `json:"message"`
				Details      string `json:"details"`
			} `json:"exception"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Exception.Message != "" {
			return &ports.PlatformError{
				Code:    payload.Exception.ServiceCode,
				Message: payload.Exception.Message,
				Details: payload.Exception.Details,
			}
		}
	}

	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
