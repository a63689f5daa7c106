package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	ResolveTargets(ctx context.Context, accountID, region, app, stage string) ([]models.TenantTarget, error)
	SumHourlyCounts(ctx context.Context, filter CountFilter) (int64, error)
	PersistBatch(ctx context.Context, batch *Batch) (*BatchResult, error)
	PruneProcessedBatches(ctx context.Context, before time.Time) (int64, error)

	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error)
	GetIssue(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Issue, error)
	UpdateIssueState(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, action IssueAction, actor models.Actor) (int64, error)
	ListIssueCounts(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, since time.Time) ([]*models.HourlyCount, error)
}

// CountFilter selects the HourlyCount rows summed for a rate-limit check.
// A zero StageID sums every stage of the tenant.
type CountFilter struct {
	TenantID uuid.UUID
	StageID  uuid.UUID
	Hour     time.Time
}

// Issue statuses accepted by IssueFilter.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusIgnored  = "ignored"
)

type IssueFilter struct {
	TenantID uuid.UUID
	StageID  uuid.UUID
	Status   string
	Page     int
	Limit    int
}

// IssueAction is a collaborator-driven state change on a set of issues.
type IssueAction string

const (
	ActionResolve   IssueAction = "resolve"
	ActionUnresolve IssueAction = "unresolve"
	ActionIgnore    IssueAction = "ignore"
	ActionUnignore  IssueAction = "unignore"
)

// Valid reports whether a is a known action.
func (a IssueAction) Valid() bool {
	switch a {
	case ActionResolve, ActionUnresolve, ActionIgnore, ActionUnignore:
		return true
	}
	return false
}

// IssueUpsert adds Count occurrences of one group to an issue.
type IssueUpsert struct {
	Group   string
	Kind    string
	Message string
	Stack   []models.StackFrame
	Pointer models.Pointer
	Count   int64
}

// CountUpsert adds Count to the hour bucket of Group.
type CountUpsert struct {
	Group string
	Count int64
}

// Effect is a side effect deferred until the batch has committed.
type Effect func(ctx context.Context)

// TargetWrite is everything a batch writes for one tenant target.
type TargetWrite struct {
	Target  models.TenantTarget
	Issues  []IssueUpsert
	Counts  []CountUpsert
	Effects []Effect
}

// Batch is the unit persisted in a single transaction. ID marks the batch as
// processed per target; a target that already carries the marker is skipped.
type Batch struct {
	ID       string
	Hour     time.Time
	LogGroup string
	Seen     time.Time
	Writes   []TargetWrite
}

// BatchResult reports what a committed batch applied. Effects holds the
// effects of applied targets only, in write order.
type BatchResult struct {
	Applied []models.TenantTarget
	Skipped []models.TenantTarget
	Effects []Effect
}
