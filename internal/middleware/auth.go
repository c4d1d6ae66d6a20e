package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/pkg/logging/logging"
)

// CredentialResolver maps a bearer token to an upstream credential.
type CredentialResolver interface {
	Resolve(token string) (auth.Credential, error)
}

// Auth resolves the bearer token and stores the credential in the request
// context. Unknown tokens get 401 before any upstream call.
func Auth(resolver CredentialResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := logging.L(ctx)

			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn("missing bearer token")
				unauthorized(w, "missing bearer token")
				return
			}

			cred, err := resolver.Resolve(token)
			if err != nil {
				logger.Warn("token rejected", zap.Error(err))
				unauthorized(w, "invalid api key")
				return
			}

			ctx = logging.WithFields(ctx,
				zap.Bool("byok", cred.BYOK),
				zap.String("tenant_id", cred.TenantID),
			)
			ctx = auth.WithCredential(ctx, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="o2y-gateway"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"` + msg + `","type":"invalid_request_error","param":null,"code":"invalid_api_key"}}`))
}
