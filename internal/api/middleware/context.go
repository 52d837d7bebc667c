package middleware

import (
	"context"
	"net/http"
	"slices"
)

type contextKey string

const (
	ownerIDKey      contextKey = "owner_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// WithPrincipal stores the authenticated principal on ctx. Auth calls it;
// tests use it to skip bcrypt.
func WithPrincipal(ctx context.Context, ownerID, keyPrefix string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	ctx = context.WithValue(ctx, keyPrefixKey, keyPrefix)
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

// OwnerID returns the principal jobs and events are scoped to.
func OwnerID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(ownerIDKey).(string)
	return id, ok && id != ""
}

func HasScope(r *http.Request, scope string) bool {
	return slices.Contains(getScopes(r), scope)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
