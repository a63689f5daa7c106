package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/issuehunter/internal/metrics"
	"github.com/kiranshivaraju/issuehunter/internal/store"
)

const (
	defaultReplayRetention = 72 * time.Hour
	defaultPruneInterval   = 15 * time.Minute
)

// MarkerPruner deletes processed batch markers recorded before a cutoff.
type MarkerPruner interface {
	PruneProcessedBatches(ctx context.Context, before time.Time) (int64, error)
}

var _ MarkerPruner = (store.Store)(nil)

// RetentionOptions tunes RunRetention.
type RetentionOptions struct {
	// Retention is how long a batch stays protected against replay.
	Retention time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// RunRetention prunes replay markers older than Retention, once immediately
// and then every Interval, until ctx is done. Failures are logged and retried
// on the next tick.
func RunRetention(ctx context.Context, p MarkerPruner, opts RetentionOptions) {
	if opts.Retention <= 0 {
		opts.Retention = defaultReplayRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPruneInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		pruneMarkers(ctx, p, opts)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneMarkers(ctx context.Context, p MarkerPruner, opts RetentionOptions) {
	before := opts.Now().Add(-opts.Retention)
	n, err := p.PruneProcessedBatches(ctx, before)
	if err != nil {
		if ctx.Err() == nil {
			opts.Logger.Warn("pruning batch markers failed", "before", before, "error", err)
		}
		return
	}
	metrics.PrunedMarkers.Add(float64(n))
	if n > 0 {
		opts.Logger.Info("pruned batch markers", "count", n, "before", before)
	}
}
