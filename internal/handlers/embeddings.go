package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/llm"
	"o2y-gateway/pkg/logging/logging"
)

type EmbeddingClient interface {
	Embeddings(ctx context.Context, cred auth.Credential, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

// EmbeddingsHandler serves POST /v1/embeddings.
type EmbeddingsHandler struct {
	LLM EmbeddingClient
}

func NewEmbeddingsHandler(client EmbeddingClient) *EmbeddingsHandler {
	return &EmbeddingsHandler{LLM: client}
}

func (h *EmbeddingsHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	cred, err := credential(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req llm.EmbeddingRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, r, err)
		return
	}

	resp, err := h.LLM.Embeddings(ctx, cred, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("embeddings",
		zap.String("model", req.Model),
		zap.Int("inputs", len(req.Input)),
		zap.String("encoding_format", req.EncodingFormat),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, resp)
}
