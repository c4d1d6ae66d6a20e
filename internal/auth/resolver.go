// Package auth turns bearer tokens into upstream credentials, either through
// the server-side token registry or from caller-supplied ("bring your own
// key") folder id and API key pairs.
package auth

import (
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a token matches neither the registry nor
// the BYOK format.
var ErrUnauthorized = errors.New("auth: invalid token")

// byokSeparator splits "<folderId>:<apiKey>" tokens.
const byokSeparator = ":"

// Credential is what one request spends upstream. TenantID is set for
// registry tokens (which run on the operator's key); BYOK credentials carry
// the caller's own account and key instead.
type Credential struct {
	TenantID  string
	APIKey    string
	AccountID string
	BYOK      bool
}

// Subject identifies the caller for synthetic response ids.
func (c Credential) Subject() string {
	if c.BYOK {
		return c.AccountID
	}
	return c.TenantID
}

// Resolver is safe for concurrent use; all of its state is read-only.
type Resolver struct {
	registry  *Registry
	byok      bool
	apiKey    string
	accountID string
}

type ResolverConfig struct {
	Registry *Registry
	BYOK     bool
	// APIKey and AccountID are the operator's upstream credentials handed
	// to registry tokens.
	APIKey    string
	AccountID string
}

func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{
		registry:  cfg.Registry,
		byok:      cfg.BYOK,
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
	}
}

// Resolve maps a bearer token to the credential it authorizes.
func (r *Resolver) Resolve(token string) (Credential, error) {
	if token == "" {
		return Credential{}, ErrUnauthorized
	}

	if r.byok {
		if account, key, ok := strings.Cut(token, byokSeparator); ok && account != "" && key != "" {
			return Credential{
				APIKey:    key,
				AccountID: account,
				BYOK:      true,
			}, nil
		}
	}

	if tenant, ok := r.registry.Lookup(token); ok {
		return Credential{
			TenantID:  tenant,
			APIKey:    r.apiKey,
			AccountID: r.accountID,
		}, nil
	}

	return Credential{}, ErrUnauthorized
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
