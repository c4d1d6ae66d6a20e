package llm

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"o2y-gateway/internal/auth"
)

const (
	objectChatCompletion = "chat.completion"
	objectChatChunk      = "chat.completion.chunk"
	objectList           = "list"
	objectEmbedding      = "embedding"

	toolTypeFunction = "function"
)

// translateMessages maps OpenAI messages onto upstream messages. Roles pass
// through unchanged; text, tool calls and tool results each get their own
// upstream field so none of them is dropped.
func translateMessages(messages []ChatMessage) ([]providerMessage, error) {
	// tool_call_id -> function name, for tool results that omit the name
	callNames := make(map[string]string)

	out := make([]providerMessage, 0, len(messages))
	for i, m := range messages {
		pm := providerMessage{Role: m.Role}

		if m.Role == RoleTool {
			name := m.Name
			if name == "" {
				name = callNames[m.ToolCallID]
			}
			if name == "" {
				return nil, fmt.Errorf("messages[%d]: unknown tool_call_id %q", i, m.ToolCallID)
			}
			pm.ToolResultList = &providerToolResultList{
				ToolResults: []providerToolResult{{
					FunctionResult: providerFunctionResult{Name: name, Content: m.Text()},
				}},
			}
			out = append(out, pm)
			continue
		}

		if m.Content != nil {
			pm.Text = *m.Content
		}

		if len(m.ToolCalls) > 0 {
			calls := make([]providerToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				calls = append(calls, providerToolCall{
					FunctionCall: providerFunctionCall{
						Name:      tc.Function.Name,
						Arguments: encodeArguments(tc.Function.Arguments),
					},
				})
			}
			pm.ToolCallList = &providerToolCallList{ToolCalls: calls}
		}

		out = append(out, pm)
	}
	return out, nil
}

// translateTools keeps function tools only.
func translateTools(tools []Tool) []providerTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]providerTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != toolTypeFunction || t.Function == nil {
			continue
		}
		out = append(out, providerTool{
			Function: providerFunctionTool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

// translateToolCalls assigns ids upstream does not provide. The id encodes
// the response timestamp, choice index and call index, which is unique
// within one response.
func translateToolCalls(created int64, choice int, calls []providerToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for i, c := range calls {
		out = append(out, ToolCall{
			ID:   fmt.Sprintf("call_%d_%d_%d", created, choice, i),
			Type: toolTypeFunction,
			Function: FunctionCall{
				Name:      c.FunctionCall.Name,
				Arguments: decodeArguments(c.FunctionCall.Arguments),
			},
		})
	}
	return out
}

// encodeArguments embeds an OpenAI arguments string as upstream JSON. Valid
// JSON goes in as-is; anything else is sent as a JSON string.
func encodeArguments(args string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(args))
	if len(trimmed) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(args)
	return json.RawMessage(b)
}

// decodeArguments turns upstream arguments into the JSON string OpenAI
// clients expect, whether they arrived as an object or pre-encoded.
func decodeArguments(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(r.Raw)); err != nil {
		return r.Raw
	}
	return buf.String()
}

// buildChatPayload assembles the upstream completion request.
func buildChatPayload(cred auth.Credential, req *ChatRequest, stream bool) (*providerChatRequest, error) {
	messages, err := translateMessages(req.Messages)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	return &providerChatRequest{
		ModelURI: modelURI(schemeText, cred.AccountID, req.Model),
		CompletionOptions: providerCompletionOptions{
			Stream:      stream,
			Temperature: req.temperature(),
			MaxTokens:   req.MaxTokens,
		},
		Messages: messages,
		Tools:    translateTools(req.Tools),
	}, nil
}

// translateAlternative converts one upstream alternative into a choice.
func translateAlternative(created int64, index int, alt providerAlternative) (ChatChoice, error) {
	finish, err := TranslateFinishReason(alt.Status)
	if err != nil {
		return ChatChoice{}, err
	}

	msg := ChatMessage{
		Role:      alt.Message.Role,
		ToolCalls: translateToolCalls(created, index, toolCallsOf(alt.Message)),
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	if alt.Message.Text != "" || len(msg.ToolCalls) == 0 {
		text := alt.Message.Text
		msg.Content = &text
	}

	return ChatChoice{
		Index:        index,
		Message:      msg,
		FinishReason: finish,
	}, nil
}

func toolCallsOf(m providerMessage) []providerToolCall {
	if m.ToolCallList == nil {
		return nil
	}
	return m.ToolCallList.ToolCalls
}

// translateChatResponse builds the OpenAI response for a finished upstream
// completion. model is the name the caller asked for.
func translateChatResponse(resp *providerChatResponse, model, subject string, now time.Time) (*ChatResponse, error) {
	if resp.Result == nil {
		return nil, &TranslationError{Field: "response", Value: "missing result"}
	}

	created := now.Unix()
	choices := make([]ChatChoice, 0, len(resp.Result.Alternatives))
	for i, alt := range resp.Result.Alternatives {
		choice, err := translateAlternative(created, i, alt)
		if err != nil {
			return nil, err
		}
		choices = append(choices, choice)
	}

	usage := resp.Result.Usage
	return &ChatResponse{
		ID:                completionID(subject, created),
		Object:            objectChatCompletion,
		Created:           created,
		Model:             versionedModel(model, resp.Result.ModelVersion),
		SystemFingerprint: fingerprint(subject),
		Choices:           choices,
		Usage: &Usage{
			PromptTokens:     int(usage.InputTextTokens),
			CompletionTokens: int(usage.CompletionTokens),
			TotalTokens:      int(usage.TotalTokens),
		},
	}, nil
}

func subjectHash(subject string) string {
	sum := md5.Sum([]byte(subject))
	return hex.EncodeToString(sum[:])
}

// completionID is stable per caller and second without exposing the caller.
func completionID(subject string, created int64) string {
	return "chatcmpl-" + subjectHash(subject) + strconv.FormatInt(created, 10)
}

func fingerprint(subject string) string {
	return "fp_" + subjectHash(subject)[:10]
}
