package gateway

import (
	"net/http"
	"strings"
)

// TokenRoles resolves session roles from static bearer tokens. Browser
// WebSocket clients cannot set headers, so the token is also accepted as a
// query parameter.
type TokenRoles struct {
	admin map[string]struct{}
	auth  map[string]struct{}
}

// NewTokenRoles builds a resolver from the configured token lists. With no
// tokens configured every session stays anonymous.
func NewTokenRoles(adminTokens, authTokens []string) *TokenRoles {
	t := &TokenRoles{
		admin: make(map[string]struct{}, len(adminTokens)),
		auth:  make(map[string]struct{}, len(authTokens)),
	}
	for _, tok := range adminTokens {
		if tok != "" {
			t.admin[tok] = struct{}{}
		}
	}
	for _, tok := range authTokens {
		if tok != "" {
			t.auth[tok] = struct{}{}
		}
	}
	return t
}

// Resolve implements RoleResolver.
func (t *TokenRoles) Resolve(r *http.Request) Role {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return RoleAnonymous
	}
	if _, ok := t.admin[token]; ok {
		return RoleAdmin
	}
	if _, ok := t.auth[token]; ok {
		return RoleAuthenticated
	}
	return RoleAnonymous
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
