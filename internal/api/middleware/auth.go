package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/issuehunter/internal/api/response"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

const keyPrefixLen = 8

// KeyStore is the API key lookup the auth middleware needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store  KeyStore
	logger *slog.Logger
}

// NewAuth creates a new Auth middleware.
func NewAuth(s KeyStore, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{store: s, logger: logger}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// tenant_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			a.logger.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		key := matchKey(keys, rawKey)
		if key == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetTenantID(ctx, key.TenantID)
		ctx = setKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)

		go func(id uuid.UUID) {
			if err := a.store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				a.logger.Warn("updating api key last use", "key_id", id, "error", err)
			}
		}(key.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// matchKey returns the key whose bcrypt hash matches rawKey.
func matchKey(keys []*models.APIKey, rawKey string) *models.APIKey {
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key
		}
	}
	return nil
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope. Admin keys pass every check.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if HasScope(r, scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
