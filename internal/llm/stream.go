package llm

import (
	"bufio"
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/metrics"
)

// maxFrameSize bounds one newline-delimited upstream frame. Frames repeat the
// whole text so far, so this is effectively the longest completion accepted.
const maxFrameSize = 4 * 1024 * 1024

// ChatCompletionStream opens a streaming completion. Upstream rejections
// surface as an error before any chunk; afterwards chunks and a possible
// terminal error arrive on the channel, which is closed when the upstream
// body ends or ctx is cancelled.
func (c *client) ChatCompletionStream(parentCtx context.Context, cred auth.Credential, req *ChatRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := validateChat(req); err != nil {
		return nil, err
	}

	c.logger.Debug("llm stream request starting",
		zap.String("model", req.Model),
		zap.String("upstream_model", ResolveModel(req.Model)),
		zap.Int("message_count", len(req.Messages)),
	)

	payload, err := buildChatPayload(cred, req, true)
	if err != nil {
		return nil, err
	}

	// Per-request timeout (0 = only use parentCtx)
	ctx, cancel := c.withTimeout(parentCtx)

	// ---------- Connect (no mid-stream retries) ----------

	resp, err := c.do(ctx, cred, opCompletionStream, http.MethodPost, completionPath, payload)
	if err != nil {
		cancel()
		c.logger.Error("llm stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}

	tracker := NewTracker(req.Model, cred.Subject(), c.now())
	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()
		defer resp.Body.Close()
		defer tracker.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		chunkCount := 0

		for scanner.Scan() {
			// Respect context cancellation (timeout / caller disconnect)
			if ctx.Err() != nil {
				c.logger.Info("llm stream cancelled",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
					zap.Error(ctx.Err()),
				)
				return
			}

			chunk, err := tracker.Feed(scanner.Bytes())
			if err != nil {
				c.logger.Error("llm stream frame rejected",
					zap.String("model", req.Model),
					zap.Error(err),
				)
				select {
				case results <- StreamResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if chunk == nil {
				metrics.StreamFragmentsDroppedTotal.Inc()
				c.logger.Debug("llm stream fragment dropped",
					zap.String("fragment", truncate(scanner.Text(), 200)),
				)
				continue
			}
			chunkCount++

			select {
			case <-ctx.Done():
				c.logger.Info("llm stream cancelled while sending chunk",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
					zap.Error(ctx.Err()),
				)
				return
			case results <- StreamResult{Chunk: chunk}:
				metrics.StreamChunksTotal.Inc()
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case results <- StreamResult{Err: fmt.Errorf("llmclient: read stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		c.logger.Info("llm stream completed",
			zap.String("model", req.Model),
			zap.Int("chunks", chunkCount),
			zap.Int("emitted_runes", tracker.Emitted()),
		)
	}()

	return results, nil
}
