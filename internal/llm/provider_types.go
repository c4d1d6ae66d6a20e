package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Request shape we send to upstream (Yandex Foundation Models).
type providerChatRequest struct {
	ModelURI          string                    `json:"modelUri"`
	CompletionOptions providerCompletionOptions `json:"completionOptions"`
	Messages          []providerMessage         `json:"messages"`
	Tools             []providerTool            `json:"tools,omitempty"`
}

type providerCompletionOptions struct {
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	MaxTokens   *int    `json:"maxTokens,omitempty"`
}

type providerMessage struct {
	Role           string                  `json:"role"`
	Text           string                  `json:"text,omitempty"`
	ToolCallList   *providerToolCallList   `json:"toolCallList,omitempty"`
	ToolResultList *providerToolResultList `json:"toolResultList,omitempty"`
}

type providerToolCallList struct {
	ToolCalls []providerToolCall `json:"toolCalls"`
}

type providerToolCall struct {
	FunctionCall providerFunctionCall `json:"functionCall"`
}

type providerFunctionCall struct {
	Name string `json:"name"`
	// Arguments is a JSON object upstream; some model versions send it
	// pre-encoded as a string instead.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type providerToolResultList struct {
	ToolResults []providerToolResult `json:"toolResults"`
}

type providerToolResult struct {
	FunctionResult providerFunctionResult `json:"functionResult"`
}

type providerFunctionResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type providerTool struct {
	Function providerFunctionTool `json:"function"`
}

type providerFunctionTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Response shape for both the non-streaming body and each streamed frame.
type providerChatResponse struct {
	Result *providerResult `json:"result"`
	Error  *providerError  `json:"error,omitempty"`
}

type providerResult struct {
	Alternatives []providerAlternative `json:"alternatives"`
	Usage        providerUsage         `json:"usage"`
	ModelVersion string                `json:"modelVersion"`
}

type providerAlternative struct {
	Message providerMessage `json:"message"`
	Status  string          `json:"status"`
}

type providerUsage struct {
	InputTextTokens  tokenCount `json:"inputTextTokens"`
	CompletionTokens tokenCount `json:"completionTokens"`
	TotalTokens      tokenCount `json:"totalTokens"`
}

type providerError struct {
	GRPCCode   int    `json:"grpcCode"`
	HTTPCode   int    `json:"httpCode"`
	Message    string `json:"message"`
	HTTPStatus string `json:"httpStatus"`
}

type providerEmbeddingRequest struct {
	ModelURI string `json:"modelUri"`
	Text     string `json:"text"`
}

type providerEmbeddingResponse struct {
	Embedding    []float32  `json:"embedding"`
	NumTokens    tokenCount `json:"numTokens"`
	ModelVersion string     `json:"modelVersion"`
}

type providerImageRequest struct {
	ModelURI          string                   `json:"modelUri"`
	GenerationOptions providerImageOptions     `json:"generationOptions"`
	Messages          []providerWeightedPrompt `json:"messages"`
}

type providerImageOptions struct {
	MimeType    string              `json:"mimeType"`
	Seed        *int64              `json:"seed,omitempty"`
	AspectRatio providerAspectRatio `json:"aspectRatio"`
}

type providerAspectRatio struct {
	WidthRatio  int64 `json:"widthRatio"`
	HeightRatio int64 `json:"heightRatio"`
}

type providerWeightedPrompt struct {
	Weight float64 `json:"weight"`
	Text   string  `json:"text"`
}

// providerOperation is returned by both the async submit call and the
// operation status endpoint.
type providerOperation struct {
	ID       string                  `json:"id"`
	Done     bool                    `json:"done"`
	Response *providerImageResult    `json:"response,omitempty"`
	Error    *providerOperationError `json:"error,omitempty"`
}

type providerImageResult struct {
	Image        string `json:"image"`
	ModelVersion string `json:"modelVersion"`
}

type providerOperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// tokenCount decodes int64 counters that upstream encodes as JSON strings.
type tokenCount int

func (n *tokenCount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("token count %q: %w", data, err)
	}
	*n = tokenCount(v)
	return nil
}
