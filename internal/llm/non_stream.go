package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
)

const maxMessageSize = 512 * 1024 // 512KB per message content

// ChatCompletion runs one non-streaming completion and translates the result.
func (c *client) ChatCompletion(parentCtx context.Context, cred auth.Credential, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := validateChat(req); err != nil {
		return nil, err
	}

	c.logger.Debug("llm request starting",
		zap.String("model", req.Model),
		zap.String("upstream_model", ResolveModel(req.Model)),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	payload, err := buildChatPayload(cred, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, cred, opCompletion, http.MethodPost, completionPath, payload)
	if err != nil {
		c.logger.Error("llm request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	var pResp providerChatResponse
	if err := decodeBody(resp, opCompletion, &pResp); err != nil {
		return nil, err
	}

	out, err := translateChatResponse(&pResp, req.Model, cred.Subject(), c.now())
	if err != nil {
		c.logger.Error("llm response translation failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("llm request completed",
		zap.String("id", out.ID),
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// validateChat runs request validation plus the per-message size guard.
func validateChat(req *ChatRequest) error {
	if err := req.Validate(); err != nil {
		return &ValidationError{Err: err}
	}
	for i, m := range req.Messages {
		if len(m.Text()) > maxMessageSize {
			return &ValidationError{Err: fmt.Errorf(
				"message[%d] content too large (%d bytes, max %d)",
				i, len(m.Text()), maxMessageSize,
			)}
		}
	}
	return nil
}
