package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/imagestore"
	"o2y-gateway/internal/llm"
	"o2y-gateway/pkg/logging/logging"
)

type ImageGenerator interface {
	Generate(ctx context.Context, cred auth.Credential, req llm.ImageRequest) (*llm.ImageResponse, error)
}

type ImageReader interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// ImagesHandler serves image generation and the stored images it links to.
type ImagesHandler struct {
	Generator ImageGenerator
	Images    ImageReader
}

func NewImagesHandler(gen ImageGenerator, images ImageReader) *ImagesHandler {
	return &ImagesHandler{Generator: gen, Images: images}
}

// Generate handles POST /v1/images/generations.
func (h *ImagesHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	cred, err := credential(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req llm.ImageRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, r, err)
		return
	}

	resp, err := h.Generator.Generate(ctx, cred, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("image_generation",
		zap.String("model", req.Model),
		zap.Int("images", len(resp.Data)),
		zap.String("response_format", req.ResponseFormat),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, resp)
}

// Serve handles GET /v1/images/{name}.
func (h *ImagesHandler) Serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := imagestore.ValidateName(name); err != nil {
		writeErrorBody(w, http.StatusNotFound, errTypeInvalidRequest, "image_not_found", "image not found")
		return
	}

	data, err := h.Images.Get(r.Context(), name)
	if errors.Is(err, imagestore.ErrNotFound) {
		writeErrorBody(w, http.StatusNotFound, errTypeInvalidRequest, "image_not_found", "image not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
