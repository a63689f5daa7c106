package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/issuehunter/internal/api/middleware"
	"github.com/kiranshivaraju/issuehunter/internal/api/response"
	"github.com/kiranshivaraju/issuehunter/internal/store"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

const (
	defaultTrendHours = 24
	maxTrendHours     = 24 * 14
	maxActionIDs      = 100
)

// IssueStore is the issue persistence the handlers depend on.
type IssueStore interface {
	ListIssues(ctx context.Context, filter store.IssueFilter) ([]*models.Issue, int, error)
	GetIssue(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Issue, error)
	UpdateIssueState(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, action store.IssueAction, actor models.Actor) (int64, error)
	ListIssueCounts(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, since time.Time) ([]*models.HourlyCount, error)
}

// NewListIssuesHandler returns an http.HandlerFunc for GET /api/v1/issues.
func NewListIssuesHandler(s IssueStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		filter := store.IssueFilter{TenantID: tenantID, Status: q.Get("status")}

		switch filter.Status {
		case "", store.StatusOpen, store.StatusResolved, store.StatusIgnored:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of open, resolved, ignored", nil)
			return
		}

		if raw := q.Get("stage_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "stage_id must be a UUID", nil)
				return
			}
			filter.StageID = id
		}

		filter.Page = queryInt(q.Get("page"), 1)
		filter.Limit = queryInt(q.Get("limit"), 20)
		if filter.Page < 1 {
			filter.Page = 1
		}
		filter.Limit = min(max(filter.Limit, 1), 100)

		issues, total, err := s.ListIssues(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if issues == nil {
			issues = []*models.Issue{}
		}

		response.Collection(w, issues, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetIssueHandler returns an http.HandlerFunc for GET /api/v1/issues/{issueID}.
func NewGetIssueHandler(s IssueStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		id, ok := issueID(w, r)
		if !ok {
			return
		}

		issue, err := s.GetIssue(r.Context(), id, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Issue not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, issue)
	}
}

// NewIssueCountsHandler returns an http.HandlerFunc for
// GET /api/v1/issues/{issueID}/counts?hours=N.
func NewIssueCountsHandler(s IssueStore, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		id, ok := issueID(w, r)
		if !ok {
			return
		}

		hours := queryInt(r.URL.Query().Get("hours"), defaultTrendHours)
		if hours < 1 || hours > maxTrendHours {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"hours must be between 1 and "+strconv.Itoa(maxTrendHours), nil)
			return
		}

		since := models.HourBucket(now()).Add(-time.Duration(hours-1) * time.Hour)
		counts, err := s.ListIssueCounts(r.Context(), id, tenantID, since)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if counts == nil {
			counts = []*models.HourlyCount{}
		}
		response.JSON(w, counts)
	}
}

// NewIssueActionHandler returns an http.HandlerFunc for
// POST /api/v1/issues/<action> with body {"ids": [...]}.
func NewIssueActionHandler(s IssueStore, action store.IssueAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		if !action.Valid() {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Unknown issue action", nil)
			return
		}

		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.IDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids is required", nil)
			return
		}
		if len(req.IDs) > maxActionIDs {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"at most "+strconv.Itoa(maxActionIDs)+" ids per request", nil)
			return
		}

		ids := make([]uuid.UUID, 0, len(req.IDs))
		for _, raw := range req.IDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must be UUIDs",
					map[string]string{"id": raw})
				return
			}
			ids = append(ids, id)
		}

		prefix, _ := mw.GetKeyPrefix(r)
		actor := models.Actor{Type: "api_key", ID: prefix}
		updated, err := s.UpdateIssueState(r.Context(), tenantID, ids, action, actor)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{
			"action":  action,
			"updated": updated,
		})
	}
}

func issueID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "issueID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
