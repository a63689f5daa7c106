package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

type contextKey string

const (
	tenantIDKey     contextKey = "tenant_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

// GetKeyPrefix returns the public prefix of the authenticating API key.
func GetKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

// WithKey sets the values Authenticate would for key. Used by tests of
// handlers mounted behind the auth middleware.
func WithKey(ctx context.Context, key *models.APIKey) context.Context {
	ctx = SetTenantID(ctx, key.TenantID)
	ctx = setKeyPrefix(ctx, key.KeyPrefix)
	return setScopes(ctx, key.Scopes)
}

// HasScope reports whether the authenticated key carries scope or admin.
func HasScope(r *http.Request, scope string) bool {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return slices.Contains(scopes, scope) || slices.Contains(scopes, models.ScopeAdmin)
}
