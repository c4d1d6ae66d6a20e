package auth

import "context"

type credentialKey struct{}

// WithCredential attaches the resolved credential to ctx.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFromContext returns the credential set by the auth middleware.
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(Credential)
	return cred, ok
}
