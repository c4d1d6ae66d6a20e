package llm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"o2y-gateway/internal/auth"
)

// maxEmbeddingConcurrency caps in-flight upstream calls for one batched request.
const maxEmbeddingConcurrency = 4

// EmbeddingResult is one upstream embedding, before translation.
type EmbeddingResult struct {
	Vector       []float32
	Tokens       int
	ModelVersion string
}

// Embeddings embeds every input with its own upstream call. Results keep
// input order; the first failure cancels the rest.
func (c *client) Embeddings(parentCtx context.Context, cred auth.Credential, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	uri := modelURI(schemeEmbedding, cred.AccountID, req.Model)
	results := make([]EmbeddingResult, len(req.Input))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxEmbeddingConcurrency)
	for i, text := range req.Input {
		i, text := i, text
		g.Go(func() error {
			res, err := c.embedOne(gctx, cred, uri, text)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("llm embedding failed",
			zap.String("model", req.Model),
			zap.Int("inputs", len(req.Input)),
			zap.Error(err),
		)
		return nil, err
	}

	out := TranslateEmbeddings(results, req.Model, req.EncodingFormat)

	c.logger.Info("llm embedding completed",
		zap.String("model", out.Model),
		zap.Int("inputs", len(req.Input)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (c *client) embedOne(ctx context.Context, cred auth.Credential, uri, text string) (EmbeddingResult, error) {
	payload := &providerEmbeddingRequest{ModelURI: uri, Text: text}

	resp, err := c.do(ctx, cred, opEmbedding, http.MethodPost, embeddingPath, payload)
	if err != nil {
		return EmbeddingResult{}, err
	}

	var pResp providerEmbeddingResponse
	if err := decodeBody(resp, opEmbedding, &pResp); err != nil {
		return EmbeddingResult{}, err
	}
	return EmbeddingResult{
		Vector:       pResp.Embedding,
		Tokens:       int(pResp.NumTokens),
		ModelVersion: pResp.ModelVersion,
	}, nil
}

// TranslateEmbeddings builds the OpenAI list response. total_tokens equals
// prompt_tokens since embeddings produce no completion tokens.
func TranslateEmbeddings(results []EmbeddingResult, model, format string) *EmbeddingResponse {
	out := &EmbeddingResponse{
		Object: objectList,
		Data:   make([]EmbeddingData, 0, len(results)),
		Model:  model,
	}

	for i, r := range results {
		vec := EmbeddingVector{Floats: r.Vector}
		if format == EncodingBase64 {
			vec = EmbeddingVector{Base64: packFloat32Base64(r.Vector)}
		}
		out.Data = append(out.Data, EmbeddingData{
			Object:    objectEmbedding,
			Index:     i,
			Embedding: vec,
		})
		out.Usage.PromptTokens += r.Tokens
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens

	return out
}

// packFloat32Base64 encodes the vector as little-endian float32 bytes in
// standard base64, matching the OpenAI SDK decoder.
func packFloat32Base64(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
