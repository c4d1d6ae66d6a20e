package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/imagestore"
	"o2y-gateway/internal/llm"
)

type mockEmbeddings struct {
	lastRequest *llm.EmbeddingRequest
}

func (m *mockEmbeddings) Embeddings(_ context.Context, _ auth.Credential, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	m.lastRequest = req
	results := make([]llm.EmbeddingResult, len(req.Input))
	for i := range results {
		results[i] = llm.EmbeddingResult{Vector: []float32{float32(i)}, Tokens: 2}
	}
	return llm.TranslateEmbeddings(results, req.Model, req.EncodingFormat), nil
}

type mockGenerator struct {
	resp *llm.ImageResponse
	err  error
}

func (m *mockGenerator) Generate(_ context.Context, _ auth.Credential, _ llm.ImageRequest) (*llm.ImageResponse, error) {
	return m.resp, m.err
}

type mapImages map[string][]byte

func (m mapImages) Get(_ context.Context, name string) ([]byte, error) {
	if b, ok := m[name]; ok {
		return b, nil
	}
	return nil, imagestore.ErrNotFound
}

func TestEmbeddingsHandler(t *testing.T) {
	fake := &mockEmbeddings{}
	h := NewEmbeddingsHandler(fake)

	req := newAuthedRequest(t, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "text-embedding-ada-002",
		"input": "hello",
	})
	rr := httptest.NewRecorder()
	h.Embeddings(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(fake.lastRequest.Input) != 1 || fake.lastRequest.Input[0] != "hello" {
		t.Fatalf("string input not normalised: %#v", fake.lastRequest.Input)
	}

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage llm.EmbeddingUsage `json:"usage"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Usage.TotalTokens != 2 {
		t.Fatalf("unexpected response: %s", rr.Body.String())
	}
}

func TestImagesHandlerGenerate(t *testing.T) {
	h := NewImagesHandler(&mockGenerator{resp: &llm.ImageResponse{
		Created: 1,
		Data:    []llm.ImageData{{URL: "http://gw/v1/images/op.jpg"}},
	}}, mapImages{})

	req := newAuthedRequest(t, http.MethodPost, "/v1/images/generations", map[string]any{
		"model":  "dall-e-3",
		"prompt": "a fox",
	})
	rr := httptest.NewRecorder()
	h.Generate(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"url":"http://gw/v1/images/op.jpg"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestImagesHandlerTimeout(t *testing.T) {
	h := NewImagesHandler(&mockGenerator{err: &llm.TimeoutError{Seconds: 45}}, mapImages{})

	req := newAuthedRequest(t, http.MethodPost, "/v1/images/generations", map[string]any{
		"model":  "dall-e-3",
		"prompt": "a fox",
	})
	rr := httptest.NewRecorder()
	h.Generate(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "image generation timed out after 45 seconds") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestImagesHandlerServe(t *testing.T) {
	h := NewImagesHandler(&mockGenerator{}, mapImages{"op-1.jpg": []byte{0xff, 0xd8}})

	r := chi.NewRouter()
	r.Get("/v1/images/{name}", h.Serve)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/images/op-1.jpg", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/jpeg" || rr.Body.Len() != 2 {
		t.Fatalf("unexpected image response: %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/images/missing.jpg", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("embedded catalog: %v", err)
	}
	if catalog.Object != "list" || len(catalog.Data) == 0 || catalog.Data[0].Object != "model" {
		t.Fatalf("unexpected catalog: %#v", catalog)
	}

	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - id: custom\n    owned_by: me\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	catalog, err = LoadCatalog(path)
	if err != nil {
		t.Fatalf("file catalog: %v", err)
	}
	if len(catalog.Data) != 1 || catalog.Data[0].ID != "custom" {
		t.Fatalf("unexpected catalog: %#v", catalog.Data)
	}

	if err := os.WriteFile(path, []byte("models: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatalf("expected error for empty catalog")
	}

	rr := httptest.NewRecorder()
	NewModelsHandler(catalog).List(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":"custom"`) {
		t.Fatalf("unexpected models response: %d %s", rr.Code, rr.Body.String())
	}
}
