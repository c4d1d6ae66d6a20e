package llm

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// UpstreamError is a non-2xx answer (or an error payload) from the upstream
// API. Body is kept verbatim so handlers can relay it.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llmclient: upstream %d: %s", e.StatusCode, e.Message())
}

// Message extracts a human readable message from the upstream error body.
func (e *UpstreamError) Message() string {
	for _, path := range []string{"error.message", "message", "error"} {
		if r := gjson.GetBytes(e.Body, path); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return truncate(string(e.Body), 200)
}

// TranslationError means an upstream value has no downstream mapping. It
// points at a gap in the translation tables rather than a bad request.
type TranslationError struct {
	Field string
	Value string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("llmclient: no translation for %s %q", e.Field, e.Value)
}

// TimeoutError is returned when an image job is still pending after its
// polling budget.
type TimeoutError struct {
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("image generation timed out after %d seconds", e.Seconds)
}

// ValidationError wraps a request that failed validation before any
// upstream call was made.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "llmclient: invalid request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// operationErrorStatus maps a gRPC status code from a failed operation onto
// the HTTP status relayed to the caller.
func operationErrorStatus(grpcCode int) int {
	switch grpcCode {
	case 3, 9, 11: // InvalidArgument, FailedPrecondition, OutOfRange
		return http.StatusBadRequest
	case 5: // NotFound
		return http.StatusNotFound
	case 7: // PermissionDenied
		return http.StatusForbidden
	case 8: // ResourceExhausted
		return http.StatusTooManyRequests
	case 16: // Unauthenticated
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// truncate limits string length for logging without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
