package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"o2y-gateway/internal/auth"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	DefaultTemperature = 0.7

	EncodingFloat  = "float"
	EncodingBase64 = "base64"

	ImageFormatURL     = "url"
	ImageFormatB64JSON = "b64_json"

	DefaultImageSize    = "1024x1024"
	DefaultImageTimeout = 45
	MaxImageTimeout     = 600
)

// ChatMessage is one OpenAI chat message. Content is nil when the message
// carries only tool calls.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts content as a string, null, or a list of content
// parts; text parts are concatenated.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	var raw struct {
		plain
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ChatMessage(raw.plain)

	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		m.Content = nil
		return nil
	}

	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return err
		}
		m.Content = &s
	case '[':
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		s := sb.String()
		m.Content = &s
	default:
		return fmt.Errorf("content must be a string, null or a list of parts")
	}
	return nil
}

// Text returns the message content or "" when it is null.
func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

type ToolCall struct {
	// Index is only set on streamed deltas.
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name string `json:"name"`
	// Arguments is always a JSON-encoded string on this side of the gateway.
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	User        string        `json:"user,omitempty"`
}

func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}

	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
		if m.Role == RoleTool && m.ToolCallID == "" && m.Name == "" {
			return fmt.Errorf("messages[%d]: tool messages need tool_call_id or name", i)
		}
		if m.Content == nil && len(m.ToolCalls) == 0 && m.Role != RoleAssistant {
			return fmt.Errorf("content is required for messages[%d]", i)
		}
	}

	if t := r.temperature(); t < 0 || t > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}

	for i, tool := range r.Tools {
		if tool.Type == "function" && (tool.Function == nil || tool.Function.Name == "") {
			return fmt.Errorf("tools[%d]: function name is required", i)
		}
	}

	return nil
}

func (r *ChatRequest) temperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	Logprobs     any         `json:"logprobs"`
	FinishReason *string     `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	SystemFingerprint string       `json:"system_fingerprint"`
	Choices           []ChatChoice `json:"choices"`
	Usage             *Usage       `json:"usage"`
}

// ChatCompletionChunk is one streamed frame (object "chat.completion.chunk").
type ChatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	Logprobs     any        `json:"logprobs"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type StreamResult struct {
	Chunk *ChatCompletionChunk
	Err   error
}

// EmbeddingInput is a single string or a list of strings.
type EmbeddingInput []string

func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = EmbeddingInput{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("input must be a string or a list of strings")
	}
	*in = list
	return nil
}

type EmbeddingRequest struct {
	Model          string         `json:"model"`
	Input          EmbeddingInput `json:"input"`
	EncodingFormat string         `json:"encoding_format,omitempty"`
}

func (r *EmbeddingRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Input) == 0 {
		return errors.New("input is required")
	}
	for i, text := range r.Input {
		if text == "" {
			return fmt.Errorf("input[%d] must not be empty", i)
		}
	}
	switch r.EncodingFormat {
	case "", EncodingFloat, EncodingBase64:
	default:
		return fmt.Errorf("encoding_format must be %q or %q", EncodingFloat, EncodingBase64)
	}
	return nil
}

// EmbeddingVector marshals as a float list, or as a base64 string of packed
// little-endian float32 values when Base64 is set.
type EmbeddingVector struct {
	Floats []float32
	Base64 string
}

func (v EmbeddingVector) MarshalJSON() ([]byte, error) {
	if v.Base64 != "" {
		return json.Marshal(v.Base64)
	}
	if v.Floats == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.Floats)
}

func (v *EmbeddingVector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &v.Base64)
	}
	return json.Unmarshal(data, &v.Floats)
}

type EmbeddingData struct {
	Object    string          `json:"object"`
	Index     int             `json:"index"`
	Embedding EmbeddingVector `json:"embedding"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	// Timeout bounds status polling, in seconds.
	Timeout int    `json:"timeout,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
}

// WithDefaults fills in omitted optional fields.
func (r ImageRequest) WithDefaults() ImageRequest {
	if r.N <= 0 {
		r.N = 1
	}
	if r.Size == "" {
		r.Size = DefaultImageSize
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = ImageFormatURL
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultImageTimeout
	}
	return r
}

func (r *ImageRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if r.N > maxImagesPerRequest {
		return fmt.Errorf("n must be at most %d", maxImagesPerRequest)
	}
	if r.Timeout > MaxImageTimeout {
		return fmt.Errorf("timeout must be at most %d seconds", MaxImageTimeout)
	}
	switch r.ResponseFormat {
	case "", ImageFormatURL, ImageFormatB64JSON:
	default:
		return fmt.Errorf("response_format must be %q or %q", ImageFormatURL, ImageFormatB64JSON)
	}
	return nil
}

type ImageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// Client talks to the upstream model API on behalf of one credential per call.
type Client interface {
	ChatCompletion(ctx context.Context, cred auth.Credential, req *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, cred auth.Credential, req *ChatRequest) (<-chan StreamResult, error)
	Embeddings(ctx context.Context, cred auth.Credential, req *EmbeddingRequest) (*EmbeddingResponse, error)
	ImageJobClient
}

// ImageJobClient is the submit-then-poll half of the upstream image API.
type ImageJobClient interface {
	SubmitImage(ctx context.Context, cred auth.Credential, job ImageJob) (string, error)
	PollImage(ctx context.Context, cred auth.Credential, operationID string) (*ImageJobStatus, error)
}
