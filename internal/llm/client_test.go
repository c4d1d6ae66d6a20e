package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"o2y-gateway/internal/auth"
)

var (
	testCred = auth.Credential{TenantID: "1", APIKey: "test-key", AccountID: "b1gfolder"}
	testNow  = time.Unix(1_700_000_000, 0)
)

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()

	client, err := NewClient(Config{
		BaseURL: baseURL,
		Now:     func() time.Time { return testNow },
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { closeClient(client) })
	return client
}

func strPtr(s string) *string { return &s }

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	_, err = NewClient(Config{BaseURL: "llm.api.cloud.yandex.net"}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected scheme validation error, got nil")
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotReq providerChatRequest
	var gotAuth, gotFolder, gotLogging string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		gotAuth = r.Header.Get("Authorization")
		gotFolder = r.Header.Get("x-folder-id")
		gotLogging = r.Header.Get("x-data-logging-enabled")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{
			"alternatives":[{"message":{"role":"assistant","text":"response"},"status":"ALTERNATIVE_STATUS_FINAL"}],
			"usage":{"inputTextTokens":"3","completionTokens":"2","totalTokens":"5"},
			"modelVersion":"23.10.2024"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	req := &ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []ChatMessage{{Role: RoleUser, Content: strPtr("ping")}},
	}

	resp, err := client.ChatCompletion(context.Background(), testCred, req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if gotAuth != "Api-Key test-key" {
		t.Fatalf("unexpected Authorization header: %s", gotAuth)
	}
	if gotFolder != "b1gfolder" {
		t.Fatalf("unexpected x-folder-id header: %s", gotFolder)
	}
	if gotLogging != "false" {
		t.Fatalf("unexpected x-data-logging-enabled header: %s", gotLogging)
	}
	if gotReq.CompletionOptions.Stream {
		t.Fatalf("non-stream request should not set stream=true")
	}
	if gotReq.ModelURI != "gpt://b1gfolder/yandexgpt-lite/latest" {
		t.Fatalf("unexpected modelUri: %s", gotReq.ModelURI)
	}
	if gotReq.CompletionOptions.Temperature != DefaultTemperature {
		t.Fatalf("expected default temperature, got %v", gotReq.CompletionOptions.Temperature)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Text != "ping" {
		t.Fatalf("unexpected request messages: %#v", gotReq.Messages)
	}

	if resp == nil || len(resp.Choices) != 1 {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.Choices[0].Message.Text() != "response" {
		t.Fatalf("unexpected response message: %#v", resp.Choices[0].Message)
	}
	if fr := resp.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Fatalf("unexpected finish reason: %v", fr)
	}
	if resp.Model != "gpt-3.5-turbo-23102024" {
		t.Fatalf("unexpected model: %s", resp.Model)
	}
	if resp.Created != testNow.Unix() {
		t.Fatalf("unexpected created: %d", resp.Created)
	}
	// md5("1") for tenant "1", then the unix time with no separator
	if resp.ID != "chatcmpl-c4ca4238a0b923820dcc509a6f75849b1700000000" {
		t.Fatalf("unexpected id: %s", resp.ID)
	}
	if resp.SystemFingerprint != "fp_c4ca4238a0" {
		t.Fatalf("unexpected fingerprint: %s", resp.SystemFingerprint)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 || resp.Usage.PromptTokens != 3 {
		t.Fatalf("usage not mapped correctly: %#v", resp.Usage)
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"grpcCode":8,"httpCode":429,"message":"quota exceeded"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.ChatCompletion(context.Background(), testCred, &ChatRequest{
		Model:    "yandexgpt/latest",
		Messages: []ChatMessage{{Role: RoleUser, Content: strPtr("hi")}},
	})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", upErr.StatusCode)
	}
	if upErr.Message() != "quota exceeded" {
		t.Fatalf("unexpected message: %q", upErr.Message())
	}
}

func TestChatCompletionValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for invalid request")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.ChatCompletion(context.Background(), testCred, &ChatRequest{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestChatCompletionUnknownStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"alternatives":[{"message":{"role":"assistant","text":"x"},"status":"ALTERNATIVE_STATUS_NEW"}]}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.ChatCompletion(context.Background(), testCred, &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: RoleUser, Content: strPtr("hi")}},
	})
	var trErr *TranslationError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected *TranslationError, got %v", err)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	var gotReq providerChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not support flushing")
			return
		}

		frames := []string{
			`{"result":{"alternatives":[{"message":{"role":"assistant","text":"hel"},"status":"ALTERNATIVE_STATUS_PARTIAL"}],"modelVersion":"1.0"}}`,
			`{"result":{"alternatives":[{"message":{"role":"assist`,
			`{"result":{"alternatives":[{"message":{"role":"assistant","text":"hello"},"status":"ALTERNATIVE_STATUS_FINAL"}],"modelVersion":"1.0"}}`,
		}

		for _, frame := range frames {
			fmt.Fprintf(w, "%s\n", frame)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	req := &ChatRequest{
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: RoleUser, Content: strPtr("hello")}},
		Stream:   true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ChatCompletionStream(ctx, testCred, req)
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var deltas strings.Builder
	var finishReason string
	var chunks []*ChatCompletionChunk

	for res := range stream {
		if res.Err != nil {
			t.Fatalf("received stream error: %v", res.Err)
		}
		chunks = append(chunks, res.Chunk)
		deltas.WriteString(res.Chunk.Choices[0].Delta.Content)
		if fr := res.Chunk.Choices[0].FinishReason; fr != nil {
			finishReason = *fr
		}
	}

	if !gotReq.CompletionOptions.Stream {
		t.Fatalf("stream requests must set stream=true")
	}
	if gotReq.ModelURI != "gpt://b1gfolder/yandexgpt/latest" {
		t.Fatalf("unexpected modelUri: %s", gotReq.ModelURI)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (malformed frame dropped), got %d", len(chunks))
	}
	if deltas.String() != "hello" {
		t.Fatalf("unexpected stream deltas: %s", deltas.String())
	}
	if finishReason != "stop" {
		t.Fatalf("unexpected finish reason: %s", finishReason)
	}
	if chunks[0].ID != chunks[1].ID || chunks[0].Created != chunks[1].Created {
		t.Fatalf("id and created must be stable across the stream")
	}
	if chunks[0].Choices[0].Delta.Role != RoleAssistant || chunks[1].Choices[0].Delta.Role != "" {
		t.Fatalf("role must only be sent on the first delta")
	}
	if chunks[0].Object != "chat.completion.chunk" {
		t.Fatalf("unexpected object: %s", chunks[0].Object)
	}
}

func TestChatCompletionStreamUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.ChatCompletionStream(context.Background(), testCred, &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: RoleUser, Content: strPtr("hi")}},
		Stream:   true,
	})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 *UpstreamError before streaming, got %v", err)
	}
}

func TestEmbeddingsKeepInputOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var uris []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != embeddingPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req providerEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		uris = append(uris, req.ModelURI)
		mu.Unlock()

		// The vector encodes the input length so order can be checked.
		fmt.Fprintf(w, `{"embedding":[%d,0.5],"numTokens":"%d","modelVersion":"1"}`, len(req.Text), len(req.Text))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	resp, err := client.Embeddings(context.Background(), testCred, &EmbeddingRequest{
		Model: "text-embedding-ada-002",
		Input: EmbeddingInput{"a", "bbb", "cc"},
	})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}

	if len(resp.Data) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(resp.Data))
	}
	for i, want := range []float32{1, 3, 2} {
		if resp.Data[i].Index != i || resp.Data[i].Embedding.Floats[0] != want {
			t.Fatalf("data[%d] out of order: %#v", i, resp.Data[i])
		}
	}
	if resp.Usage.PromptTokens != 6 || resp.Usage.TotalTokens != 6 {
		t.Fatalf("unexpected usage: %#v", resp.Usage)
	}
	for _, uri := range uris {
		if uri != "emb://b1gfolder/text-search-doc/latest" {
			t.Fatalf("unexpected modelUri: %s", uri)
		}
	}
}

func TestSubmitAndPollImage(t *testing.T) {
	t.Parallel()

	image := []byte{0xff, 0xd8, 0xff}
	var gotReq providerImageRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == imageGenerationPath:
			if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
				t.Errorf("decode: %v", err)
			}
			fmt.Fprint(w, `{"id":"op-1","done":false}`)
		case r.Method == http.MethodGet && r.URL.Path == operationsPath+"op-1":
			fmt.Fprintf(w, `{"id":"op-1","done":true,"response":{"image":%q}}`, base64.StdEncoding.EncodeToString(image))
		case r.Method == http.MethodGet && r.URL.Path == operationsPath+"op-bad":
			fmt.Fprint(w, `{"id":"op-bad","done":true,"error":{"code":3,"message":"prompt rejected"}}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	opID, err := client.SubmitImage(ctx, testCred, ImageJob{Model: "dall-e-3", Prompt: "a cat", Size: "1792x1024"})
	if err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}
	if opID != "op-1" {
		t.Fatalf("unexpected operation id: %s", opID)
	}
	if gotReq.ModelURI != "art://b1gfolder/yandex-art/latest" {
		t.Fatalf("unexpected modelUri: %s", gotReq.ModelURI)
	}
	if ar := gotReq.GenerationOptions.AspectRatio; ar.WidthRatio != 7 || ar.HeightRatio != 4 {
		t.Fatalf("unexpected aspect ratio: %#v", ar)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Text != "a cat" || gotReq.Messages[0].Weight != 1 {
		t.Fatalf("unexpected messages: %#v", gotReq.Messages)
	}

	status, err := client.PollImage(ctx, testCred, "op-1")
	if err != nil {
		t.Fatalf("PollImage: %v", err)
	}
	if status.State != JobDone || string(status.Image) != string(image) {
		t.Fatalf("unexpected status: %#v", status)
	}

	status, err = client.PollImage(ctx, testCred, "op-bad")
	if err != nil {
		t.Fatalf("PollImage: %v", err)
	}
	if status.State != JobFailed || status.Err.StatusCode != http.StatusBadRequest || status.Err.Message() != "prompt rejected" {
		t.Fatalf("unexpected failed status: %#v", status)
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// newStalledImageServer accepts submissions and never answers operation polls.
func newStalledImageServer(t *testing.T) *httptest.Server {
	t.Helper()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == imageGenerationPath {
			fmt.Fprint(w, `{"id":"op-1","done":false}`)
			return
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func TestPollImageHonoursUpstreamTimeout(t *testing.T) {
	t.Parallel()

	srv := newStalledImageServer(t)
	client, err := NewClient(Config{BaseURL: srv.URL, UpstreamTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { closeClient(client) })

	start := time.Now()
	_, err = client.PollImage(context.Background(), testCred, "op-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("PollImage blocked for %v", elapsed)
	}
}

func TestPollerStalledUpstreamTimesOut(t *testing.T) {
	t.Parallel()

	srv := newStalledImageServer(t)
	// upstream timeout far beyond the job budget: only the poller deadline applies
	client, err := NewClient(Config{BaseURL: srv.URL, UpstreamTimeout: time.Minute}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { closeClient(client) })

	p := NewPoller(client, nil, nil, PollerConfig{
		Interval: 10 * time.Millisecond,
		Grace:    100 * time.Millisecond,
	}, zaptest.NewLogger(t))

	start := time.Now()
	_, err = p.Generate(context.Background(), testCred, ImageRequest{
		Model:          "dall-e-3",
		Prompt:         "a stalled lighthouse",
		ResponseFormat: ImageFormatB64JSON,
		Timeout:        1,
	})

	var tErr *TimeoutError
	if !errors.As(err, &tErr) || tErr.Seconds != 1 {
		t.Fatalf("expected *TimeoutError{Seconds: 1}, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Generate blocked for %v on a stalled poll", elapsed)
	}
}
