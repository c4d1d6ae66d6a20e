package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/llm"
	"o2y-gateway/pkg/logging/logging"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAPI            = "api_error"
	errTypeUpstream       = "upstream_error"
)

// ErrorBody is the OpenAI error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, errType, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: msg, Type: errType, Code: code}})
}

// writeError maps an error from the llm or auth layer onto an HTTP answer.
// Upstream errors are relayed with their own status and body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())

	var (
		upErr  *llm.UpstreamError
		valErr *llm.ValidationError
		trErr  *llm.TranslationError
		toErr  *llm.TimeoutError
		maxErr *http.MaxBytesError
		netErr net.Error
	)

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="o2y-gateway"`)
		writeErrorBody(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "invalid api key")

	case errors.As(err, &upErr):
		logger.Warn("upstream error relayed",
			zap.Int("status", upErr.StatusCode),
			zap.String("error_message", upErr.Message()),
		)
		if len(upErr.Body) == 0 || !json.Valid(upErr.Body) {
			writeErrorBody(w, upErr.StatusCode, errTypeUpstream, "", upErr.Message())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upErr.StatusCode)
		_, _ = w.Write(upErr.Body)

	case errors.As(err, &valErr):
		writeErrorBody(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_request", valErr.Err.Error())

	case errors.As(err, &maxErr):
		writeErrorBody(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "request_too_large", "request body too large")

	case errors.As(err, &trErr):
		logger.Error("translation failed", zap.Error(err))
		writeErrorBody(w, http.StatusInternalServerError, errTypeAPI, "translation_error", trErr.Error())

	case errors.As(err, &toErr):
		logger.Warn("image generation timed out", zap.Int("seconds", toErr.Seconds))
		writeErrorBody(w, http.StatusInternalServerError, errTypeAPI, "timeout", toErr.Error())

	case errors.Is(err, context.Canceled):
		// Client went away; nobody is left to read a response.
		logger.Info("request cancelled by client")

	case errors.Is(err, context.DeadlineExceeded):
		writeErrorBody(w, http.StatusGatewayTimeout, errTypeUpstream, "upstream_timeout", "upstream request timed out")

	case errors.As(err, &netErr):
		logger.Error("upstream unreachable", zap.Error(err))
		writeErrorBody(w, http.StatusBadGateway, errTypeUpstream, "upstream_unavailable", "upstream request failed")

	default:
		logger.Error("request failed", zap.Error(err))
		writeErrorBody(w, http.StatusInternalServerError, errTypeAPI, "internal_error", "internal server error")
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return &llm.ValidationError{Err: errors.New("request body is required")}
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return &llm.ValidationError{Err: errors.New("invalid JSON body: " + err.Error())}
	}
	return nil
}

// credential returns the credential set by the auth middleware.
func credential(r *http.Request) (auth.Credential, error) {
	cred, ok := auth.CredentialFromContext(r.Context())
	if !ok {
		return auth.Credential{}, auth.ErrUnauthorized
	}
	return cred, nil
}
