package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/issuehunter/internal/api/middleware"
	"github.com/kiranshivaraju/issuehunter/internal/cache"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// --- Mock KeyStore ---

type mockStore struct {
	keys []*models.APIKey
	err  error

	mu   sync.Mutex
	used []uuid.UUID
	done chan struct{}
}

func (m *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.used = append(m.used, id)
	m.mu.Unlock()
	if m.done != nil {
		close(m.done)
	}
	return nil
}

// --- Mock Counter ---

type mockCounter struct {
	counter int64
	err     error
	keys    []string
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.keys = append(m.keys, key)
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyed(scopes ...string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	return req.WithContext(mw.WithKey(req.Context(), &models.APIKey{
		TenantID:  uuid.New(),
		KeyPrefix: "ih_test1",
		Scopes:    scopes,
	}))
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LookupError(t *testing.T) {
	auth := mw.NewAuth(&mockStore{err: errors.New("db down")}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer ih_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockStore{keys: []*models.APIKey{}}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer ih_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongPassword(t *testing.T) {
	rawKey := "ih_test1234567890abcdef"
	ms := &mockStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		KeyHash:   hashKey(t, "different_key_entirely"),
		KeyPrefix: rawKey[:8],
		Scopes:    []string{models.ScopeRead},
	}}}
	auth := mw.NewAuth(ms, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "ih_test1234567890abcdef"
	tenantID := uuid.New()
	keyID := uuid.New()
	ms := &mockStore{
		keys: []*models.APIKey{{
			ID:        keyID,
			TenantID:  tenantID,
			KeyHash:   hashKey(t, rawKey),
			KeyPrefix: rawKey[:8],
			Scopes:    []string{models.ScopeRead},
		}},
		done: make(chan struct{}),
	}
	auth := mw.NewAuth(ms, nil)

	var gotTenantID uuid.UUID
	var gotOK bool
	var gotPrefix string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantID, gotOK = mw.GetTenantID(r)
		gotPrefix, _ = mw.GetKeyPrefix(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, tenantID, gotTenantID)
	assert.Equal(t, "ih_test1", gotPrefix)

	select {
	case <-ms.done:
	case <-time.After(time.Second):
		t.Fatal("last used was not updated")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	assert.Equal(t, []uuid.UUID{keyID}, ms.used)
}

func TestAuth_RequireScope_Allowed(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.RequireScope(models.ScopeIngest)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeRead, models.ScopeIngest))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_AdminPassesEveryScope(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.RequireScope(models.ScopeWrite)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeAdmin))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_Denied(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	handler := auth.RequireScope(models.ScopeAdmin)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeRead))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCounter{}
	rl := mw.NewRateLimit(mc, 60, nil)
	handler := rl.Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeRead))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{cache.RateLimitKey("ih_test1")}, mc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCounter{counter: 60} // next IncrWithExpiry will return 61
	rl := mw.NewRateLimit(mc, 60, nil)
	handler := rl.Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeRead))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{err: errors.New("redis down")}, 60, nil)
	handler := rl.Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, keyed(models.ScopeRead))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	mc := &mockCounter{}
	rl := mw.NewRateLimit(mc, 60, nil)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mc.keys)
}

func TestRateLimit_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	defer rc.Close()

	handler := mw.NewRateLimit(rc, 2, nil).Limit(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, keyed(models.ScopeRead))
		codes[i] = w.Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Greater(t, mr.TTL(cache.RateLimitKey("ih_test1")), time.Duration(0))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := mw.Logger(teapot)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}
