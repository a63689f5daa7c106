// Package ratelimit enforces the hourly event budget of a tenant.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/issuehunter/internal/config"
	"github.com/kiranshivaraju/issuehunter/internal/store"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// DefaultPerHour is the documented ceiling of events per tenant per hour.
const DefaultPerHour = 10_000

// Counter sums the HourlyCount rows of an hour bucket.
type Counter interface {
	SumHourlyCounts(ctx context.Context, filter store.CountFilter) (int64, error)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// Limiter compares a tenant's recorded volume against a fixed ceiling. Scope
// decides whether the sum spans every stage of the tenant or only the target's.
type Limiter struct {
	counter Counter
	scope   string
	limit   int64
	logger  *slog.Logger
}

// New returns a Limiter. An unknown scope falls back to workspace and a
// non-positive limit to DefaultPerHour.
func New(counter Counter, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	scope := cfg.Scope
	if scope != config.ScopeStage {
		scope = config.ScopeWorkspace
	}
	limit := cfg.PerHour
	if limit <= 0 {
		limit = DefaultPerHour
	}
	return &Limiter{counter: counter, scope: scope, limit: limit, logger: logger}
}

// Check reports whether target may process more events in the hour bucket
// containing hour. Overflow and failed-to-process rows count toward the sum.
func (l *Limiter) Check(ctx context.Context, target models.TenantTarget, hour time.Time) (Decision, error) {
	filter := store.CountFilter{TenantID: target.TenantID, Hour: models.HourBucket(hour)}
	if l.scope == config.ScopeStage {
		filter.StageID = target.StageID
	}

	used, err := l.counter.SumHourlyCounts(ctx, filter)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for tenant %s: %w", target.TenantID, err)
	}

	d := Decision{Allowed: used < l.limit, Used: used, Limit: l.limit}
	if !d.Allowed {
		l.logger.Info("rate limit exceeded",
			"tenant_id", target.TenantID,
			"stage_id", target.StageID,
			"scope", l.scope,
			"used", used,
			"limit", l.limit,
		)
	}
	return d, nil
}
