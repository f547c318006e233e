// Package httpocr is the client for the external text recognition engine.
package httpocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
	"github.com/karolsw/ksef-gateway/internal/core/ports"
	"github.com/karolsw/ksef-gateway/internal/infrastructure/resilience"
)

type Recognizer struct {
	baseURL    string
	language   string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, language string, timeout time.Duration, executor *resilience.Executor) *Recognizer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if language == "" {
		language = "pol"
	}
	return &Recognizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

type recognizeRequest struct {
	Image    string `json:"image"`
	Language string `json:"language"`
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

func (r *Recognizer) Recognize(ctx context.Context, image []byte) (ports.RecognitionResult, error) {
	if len(image) == 0 {
		return ports.RecognitionResult{}, domain.WrapError(domain.ErrInvalidInput, "ocr recognize",
			errors.New("empty image"))
	}

	var out recognizeResponse
	fn := func(ctx context.Context) error {
		body, err := json.Marshal(recognizeRequest{
			Image:    base64.StdEncoding.EncodeToString(image),
			Language: r.language,
		})
		if err != nil {
			return fmt.Errorf("marshal ocr request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/recognize", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create ocr request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ocr request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &engineStatusError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode ocr response: %w", err)
		}
		return nil
	}

	var err error
	if r.executor != nil {
		err = r.executor.Execute(ctx, "ocr.recognize", fn, classifyEngineError)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		if classifyEngineError(err).Retryable || resilience.IsCircuitOpen(err) {
			return ports.RecognitionResult{}, domain.WrapError(domain.ErrTemporary, "ocr recognize", err)
		}
		return ports.RecognitionResult{}, err
	}
	return ports.RecognitionResult{Text: out.Text, Confidence: out.Confidence, Language: out.Language}, nil
}

type engineStatusError struct {
	statusCode int
	body       string
}

func (e *engineStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("ocr engine status %d", e.statusCode)
	}
	return fmt.Sprintf("ocr engine status %d: %s", e.statusCode, e.body)
}

func classifyEngineError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var statusErr *engineStatusError
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
