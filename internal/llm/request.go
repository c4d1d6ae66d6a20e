package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/metrics"
)

const (
	completionPath      = "/foundationModels/v1/completion"
	embeddingPath       = "/foundationModels/v1/textEmbedding"
	imageGenerationPath = "/foundationModels/v1/imageGenerationAsync"
	operationsPath      = "/operations/"

	maxRequestSize   = 2 * 1024 * 1024 // 2MB total JSON payload
	maxErrorBodySize = 64 * 1024
)

// upstream operation names, used for logs and metrics
const (
	opCompletion       = "completion"
	opCompletionStream = "completion_stream"
	opEmbedding        = "embedding"
	opImageSubmit      = "image_submit"
	opImagePoll        = "image_poll"
)

// do sends one upstream request authorised with cred. A non-2xx answer is
// drained and returned as *UpstreamError; on success the caller owns the body.
func (c *client) do(
	ctx context.Context,
	cred auth.Credential,
	operation, method, path string,
	payload any,
) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("llmclient: marshal %s request: %w", operation, err)
		}
		// Sanity check total request size
		if len(bodyBytes) > maxRequestSize {
			return nil, &ValidationError{Err: fmt.Errorf(
				"request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize,
			)}
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: build %s request: %w", operation, err)
	}
	httpReq.Header.Set("Authorization", "Api-Key "+cred.APIKey)
	httpReq.Header.Set("x-folder-id", cred.AccountID)
	httpReq.Header.Set("x-data-logging-enabled", strconv.FormatBool(c.cfg.DataLogging))
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.ObserveUpstream(operation, status, duration)

	c.logger.Debug("llm upstream request",
		zap.String("operation", operation),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.Error(err),
	)

	if err != nil {
		return nil, fmt.Errorf("llmclient: %s request: %w", operation, err)
	}

	// Handle non-2xx responses
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}

		c.logger.Error("llm upstream error",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("error_message", upErr.Message()),
		)
		return nil, upErr
	}

	return resp, nil
}

// decodeBody decodes a successful upstream body and closes it.
func decodeBody(resp *http.Response, operation string, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("llmclient: decode %s response: %w", operation, err)
	}
	return nil
}

// withTimeout applies the per-request upstream timeout (0 = only use parent).
func (c *client) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.UpstreamTimeout > 0 {
		return context.WithTimeout(parent, c.cfg.UpstreamTimeout)
	}
	return context.WithCancel(parent)
}
