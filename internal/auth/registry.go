package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
)

// TokenPrefix marks gateway-issued tokens.
const TokenPrefix = "sk-y2o-"

const timestampLayout = "2006-01-02 15:04:05"

// TokenEntry is one record of the tokens file, keyed by tenant id:
//
//	{"1": {"token": "sk-y2o-…", "timestamp": "2024-01-01 00:00:00"}}
type TokenEntry struct {
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
}

// Registry maps issued tokens to tenant ids. It is built once at startup and
// never mutated, so it is safe for concurrent use.
type Registry struct {
	tenants map[string]string
}

// NewRegistry builds a registry from a token → tenant id map.
func NewRegistry(tokens map[string]string) *Registry {
	tenants := make(map[string]string, len(tokens))
	for token, tenant := range tokens {
		tenants[token] = tenant
	}
	return &Registry{tenants: tenants}
}

// Lookup returns the tenant id for token.
func (r *Registry) Lookup(token string) (string, bool) {
	if r == nil {
		return "", false
	}
	tenant, ok := r.tenants[token]
	return tenant, ok
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tenants)
}

// LoadRegistry reads the tokens file at path. Comments and trailing commas
// are accepted.
func LoadRegistry(path string) (*Registry, error) {
	entries, err := readTokens(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("tokens file %s not found, generate tokens first with `gateway tokens generate`: %w", path, err)
	}
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(entries))
	for tenant, entry := range entries {
		if entry.Token == "" {
			return nil, fmt.Errorf("tokens file %s: tenant %q has an empty token", path, tenant)
		}
		tokens[entry.Token] = tenant
	}
	return NewRegistry(tokens), nil
}

func readTokens(path string) (map[string]TokenEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse tokens file %s: %w", path, err)
	}

	entries := make(map[string]TokenEntry)
	if err := json.Unmarshal(std, &entries); err != nil {
		return nil, fmt.Errorf("decode tokens file %s: %w", path, err)
	}
	return entries, nil
}

// GenerateTokens appends n fresh tokens to the file at path, creating it if
// needed, and returns the new tokens in issue order.
func GenerateTokens(path string, n int, now time.Time) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("token count must be positive, got %d", n)
	}

	entries, err := readTokens(path)
	if errors.Is(err, os.ErrNotExist) {
		entries = make(map[string]TokenEntry)
	} else if err != nil {
		return nil, err
	}

	next := nextTenantID(entries)
	issued := make([]string, 0, n)
	for i := 0; i < n; i++ {
		token := TokenPrefix + uuid.NewString()
		entries[strconv.Itoa(next+i)] = TokenEntry{
			Token:     token,
			Timestamp: now.Format(timestampLayout),
		}
		issued = append(issued, token)
	}

	out, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tokens dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write tokens file: %w", err)
	}
	return issued, nil
}

// nextTenantID continues numeric tenant ids after the highest existing one.
func nextTenantID(entries map[string]TokenEntry) int {
	ids := make([]int, 0, len(entries))
	for k := range entries {
		if id, err := strconv.Atoi(k); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return len(entries) + 1
	}
	sort.Ints(ids)
	next := ids[len(ids)-1] + 1
	if next <= len(entries) {
		next = len(entries) + 1
	}
	return next
}
