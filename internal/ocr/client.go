package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy bounds the client's retry behavior. It is passed explicitly to
// NewClient rather than bound process-wide. The delay doubles from BaseDelay
// and precedes each retry, never the first attempt, so MaxAttempts failed
// attempts sleep MaxAttempts-1 times.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retry404 treats HTTP 404 as transient: the presigned URL or the
	// service's warm-up may lag behind the upload.
	Retry404 bool
}

// DefaultRetryPolicy makes up to 3 attempts, waiting 2s before the second
// and 4s before the third.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Retry404: true}
}

// Config for the analysis client.
type Config struct {
	BaseURL string // analysis endpoint, e.g. https://ocr.internal/v1/analyze
	APIKey  string // optional bearer token
	Timeout time.Duration
}

// Client calls the external receipt-analysis endpoint.
type Client struct {
	cfg    Config
	policy RetryPolicy
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, policy RetryPolicy, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		policy: policy,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// terminalError marks failures that must not be retried.
type terminalError struct {
	status int
	cause  error
}

func (e *terminalError) Error() string { return e.cause.Error() }
func (e *terminalError) Unwrap() error { return e.cause }

// Analyze posts the presigned image URL to the analysis endpoint and returns
// the decoded response. Transient failures (5xx, transport errors, and 404
// when the policy allows) are retried with exponential backoff. The raw body
// of the last response is always returned for diagnostics; callers must not
// surface it to end users.
func (c *Client) Analyze(ctx context.Context, imageURL string) (*AnalyzeResponse, []byte, error) {
	reqID := uuid.New().String()
	var lastRaw []byte
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.policy.BaseDelay << (attempt - 2)
			c.logger.Info("ocr.http.backoff", "req_id", reqID, "attempt", attempt, "delay", delay.String())
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, lastRaw, err
			}
		}

		resp, raw, err := c.analyzeOnce(ctx, reqID, attempt, imageURL)
		if err == nil {
			return resp, raw, nil
		}
		if raw != nil {
			lastRaw = raw
		}
		lastErr = err

		var term *terminalError
		if errors.As(err, &term) || ctx.Err() != nil {
			break
		}
	}

	c.logger.Error("ocr.http.exhausted", "req_id", reqID, "attempts", c.policy.MaxAttempts, "error", lastErr)
	return nil, lastRaw, lastErr
}

func (c *Client) analyzeOnce(ctx context.Context, reqID string, attempt int, imageURL string) (*AnalyzeResponse, []byte, error) {
	start := time.Now()

	bs, err := json.Marshal(AnalyzeRequest{ImageURL: imageURL})
	if err != nil {
		return nil, nil, &terminalError{cause: fmt.Errorf("encode json: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(bs))
	if err != nil {
		return nil, nil, &terminalError{cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Info("ocr.http.request", "req_id", reqID, "attempt", attempt, "url", c.cfg.BaseURL)

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection and timeout errors are transient.
		c.logger.Warn("ocr.http.send_error", "req_id", reqID, "attempt", attempt, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warn("ocr.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)

	c.logger.Info("ocr.http.response",
		"req_id", reqID,
		"attempt", attempt,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode/100 == 5:
		return nil, raw, fmt.Errorf("upstream error: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && c.policy.Retry404:
		return nil, raw, fmt.Errorf("image not yet visible upstream: status 404")
	case resp.StatusCode/100 != 2:
		return nil, raw, &terminalError{status: resp.StatusCode,
			cause: fmt.Errorf("non-retryable status: %d", resp.StatusCode)}
	}

	if err := ValidateJSONAgainstSchema(BuildResponseJSONSchema(), raw); err != nil {
		return nil, raw, &terminalError{cause: fmt.Errorf("malformed analysis response: %w", err)}
	}

	var out AnalyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, raw, &terminalError{cause: fmt.Errorf("decode analysis response: %w", err)}
	}
	if !out.Success {
		return nil, raw, &terminalError{cause: errors.New("analysis reported success=false")}
	}
	return &out, raw, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
