package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/issuehunter/internal/api/middleware"
	"github.com/kiranshivaraju/issuehunter/internal/api/response"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	IngestCloudWatch http.HandlerFunc

	ListIssues      http.HandlerFunc
	GetIssue        http.HandlerFunc
	IssueCounts     http.HandlerFunc
	ResolveIssues   http.HandlerFunc
	UnresolveIssues http.HandlerFunc
	IgnoreIssues    http.HandlerFunc
	UnignoreIssues  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope(models.ScopeIngest)).
			Post("/api/v1/ingest/cloudwatch", orNotImplemented(deps.IngestCloudWatch))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/issues", orNotImplemented(deps.ListIssues))
			r.Get("/api/v1/issues/{issueID}", orNotImplemented(deps.GetIssue))
			r.Get("/api/v1/issues/{issueID}/counts", orNotImplemented(deps.IssueCounts))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))

			r.Post("/api/v1/issues/resolve", orNotImplemented(deps.ResolveIssues))
			r.Post("/api/v1/issues/unresolve", orNotImplemented(deps.UnresolveIssues))
			r.Post("/api/v1/issues/ignore", orNotImplemented(deps.IgnoreIssues))
			r.Post("/api/v1/issues/unignore", orNotImplemented(deps.UnignoreIssues))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
