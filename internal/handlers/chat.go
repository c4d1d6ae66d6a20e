package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/llm"
	"o2y-gateway/pkg/logging/logging"
)

// ChatClient is the part of llm.Client the chat endpoint needs.
type ChatClient interface {
	ChatCompletion(ctx context.Context, cred auth.Credential, req *llm.ChatRequest) (*llm.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, cred auth.Credential, req *llm.ChatRequest) (<-chan llm.StreamResult, error)
}

// ChatHandler holds dependencies for the /v1/chat/completions endpoint.
type ChatHandler struct {
	LLM ChatClient
}

func NewChatHandler(client ChatClient) *ChatHandler {
	return &ChatHandler{LLM: client}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	cred, err := credential(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req llm.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, r, err)
		return
	}

	if req.Stream {
		h.stream(w, r, cred, &req)
		return
	}

	resp, err := h.LLM.ChatCompletion(ctx, cred, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("chat_completion",
		zap.String("model", req.Model),
		zap.Bool("stream", false),
		zap.Int("choices", len(resp.Choices)),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, resp)
}

// stream relays chunks as server-sent events. Errors before the first chunk
// get a normal error response; later ones are sent as an error event.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, cred auth.Credential, req *llm.ChatRequest) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, errTypeAPI, "streaming_unsupported", "streaming is not supported")
		return
	}

	results, err := h.LLM.ChatCompletionStream(ctx, cred, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := 0
	for res := range results {
		if res.Err != nil {
			logger.Error("stream aborted", zap.Error(res.Err), zap.Int("chunks", chunks))
			_ = writeEvent(w, streamErrorBody(res.Err))
			break
		}
		payload, err := json.Marshal(res.Chunk)
		if err != nil {
			logger.Error("marshal chunk failed", zap.Error(err))
			continue
		}
		if err := writeEvent(w, payload); err != nil {
			// client gone; the stream goroutine stops with the request context
			logger.Info("stream client disconnected", zap.Error(err), zap.Int("chunks", chunks))
			return
		}
		flusher.Flush()
		chunks++
	}

	_ = writeEvent(w, []byte("[DONE]"))
	flusher.Flush()

	logger.Info("chat_completion",
		zap.String("model", req.Model),
		zap.Bool("stream", true),
		zap.Int("chunks", chunks),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
}

func writeEvent(w http.ResponseWriter, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func streamErrorBody(err error) []byte {
	var upErr *llm.UpstreamError
	body := ErrorBody{Error: ErrorDetail{Message: err.Error(), Type: errTypeAPI}}
	if errors.As(err, &upErr) {
		body.Error = ErrorDetail{
			Message: upErr.Message(),
			Type:    errTypeUpstream,
			Code:    strconv.Itoa(upErr.StatusCode),
		}
	}
	b, _ := json.Marshal(body)
	return b
}
