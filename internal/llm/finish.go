package llm

// Upstream alternative statuses.
const (
	StatusUnspecified    = "ALTERNATIVE_STATUS_UNSPECIFIED"
	StatusPartial        = "ALTERNATIVE_STATUS_PARTIAL"
	StatusTruncatedFinal = "ALTERNATIVE_STATUS_TRUNCATED_FINAL"
	StatusFinal          = "ALTERNATIVE_STATUS_FINAL"
	StatusContentFilter  = "ALTERNATIVE_STATUS_CONTENT_FILTER"
	StatusToolCalls      = "ALTERNATIVE_STATUS_TOOL_CALLS"
)

// finishReasons covers every status except StatusPartial, which has no
// finish reason at all.
var finishReasons = map[string]string{
	StatusFinal:          "stop",
	StatusTruncatedFinal: "length",
	StatusContentFilter:  "content_filter",
	StatusToolCalls:      "tool_calls",
	StatusUnspecified:    "unknown",
}

// TranslateFinishReason maps an upstream status to an OpenAI finish_reason.
// A nil result means the choice is still in progress.
func TranslateFinishReason(status string) (*string, error) {
	if status == StatusPartial {
		return nil, nil
	}
	reason, ok := finishReasons[status]
	if !ok {
		return nil, &TranslationError{Field: "alternative status", Value: status}
	}
	return &reason, nil
}
