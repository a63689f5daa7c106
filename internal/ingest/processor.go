// Package ingest drives a log batch from tenant resolution through
// extraction, stack resolution and grouping to a single persisted unit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/issuehunter/internal/awsauth"
	"github.com/kiranshivaraju/issuehunter/internal/events"
	"github.com/kiranshivaraju/issuehunter/internal/extract"
	"github.com/kiranshivaraju/issuehunter/internal/fingerprint"
	"github.com/kiranshivaraju/issuehunter/internal/metrics"
	"github.com/kiranshivaraju/issuehunter/internal/ratelimit"
	"github.com/kiranshivaraju/issuehunter/internal/sourcemap"
	"github.com/kiranshivaraju/issuehunter/internal/stack"
	"github.com/kiranshivaraju/issuehunter/internal/store"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// ErrPersist wraps a failed batch transaction. The batch may be redelivered.
var ErrPersist = errors.New("persist batch")

const defaultLineConcurrency = 16

// Store is the persistence the processor needs.
type Store interface {
	ResolveTargets(ctx context.Context, accountID, region, app, stage string) ([]models.TenantTarget, error)
	PersistBatch(ctx context.Context, batch *store.Batch) (*store.BatchResult, error)
}

// RateChecker decides whether a target may process more events this hour.
type RateChecker interface {
	Check(ctx context.Context, target models.TenantTarget, hour time.Time) (ratelimit.Decision, error)
}

// ArtifactOpener builds the per-batch sourcemap store from tenant credentials.
type ArtifactOpener interface {
	Open(ctx context.Context, cfg aws.Config, accountID, app, stage string) (sourcemap.ArtifactStore, error)
}

var (
	_ Store          = (store.Store)(nil)
	_ RateChecker    = (*ratelimit.Limiter)(nil)
	_ ArtifactOpener = (*sourcemap.Opener)(nil)
)

// Options tunes a Processor.
type Options struct {
	// IgnoreLogGroupPrefix drops batches from matching log groups.
	IgnoreLogGroupPrefix string
	LineConcurrency      int
	FetchTimeout         time.Duration
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Processor is the ingestion entry point. It is safe for concurrent use; all
// per-batch state lives in Process.
type Processor struct {
	store     Store
	limiter   RateChecker
	creds     awsauth.Provider
	opener    ArtifactOpener
	publisher events.Publisher
	extractor *extract.Extractor
	resolver  *stack.Resolver
	opts      Options
	logger    *slog.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(st Store, limiter RateChecker, creds awsauth.Provider, opener ArtifactOpener, publisher events.Publisher, opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LineConcurrency <= 0 {
		opts.LineConcurrency = defaultLineConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if publisher == nil {
		publisher = events.NopPublisher{Logger: opts.Logger}
	}
	return &Processor{
		store:     st,
		limiter:   limiter,
		creds:     creds,
		opener:    opener,
		publisher: publisher,
		extractor: extract.Default(),
		resolver:  stack.NewResolver(opts.Logger),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Outcome summarizes what Process did with a batch.
type Outcome struct {
	BatchID     string
	Status      Status
	Targets     int
	RateLimited int
	Extracted   int
	Candidates  int
	Groups      int
	Panics      int
	// Replayed counts targets that had already processed this batch.
	Replayed int
}

// Status is the terminal state a batch reached.
type Status string

const (
	StatusIgnored         Status = "ignored"
	StatusEmpty           Status = "empty"
	StatusNoTenant        Status = "no_tenant"
	StatusRateLimited     Status = "rate_limited"
	StatusNoErrors        Status = "no_errors"
	StatusFailedToProcess Status = "failed_to_process"
	StatusDetected        Status = "detected"
	StatusFailed          Status = "failed"
)

// lineResult is the settled outcome of one line.
type lineResult struct {
	candidate bool
	matched   bool
	err       models.ExtractedError
	group     string
}

// groupAgg collects every occurrence of one group in the batch. The first
// occurrence supplies the issue's error, stack and pointer.
type groupAgg struct {
	group string
	first int
	err   models.ExtractedError
	count int64
}

// Process runs batch through the pipeline. Credential failures for some
// targets are returned as a multierror alongside a successful Outcome; a
// failed transaction returns an error wrapping ErrPersist.
func (p *Processor) Process(ctx context.Context, batch models.LogBatch) (out Outcome, err error) {
	start := p.opts.Now()
	out.BatchID = batch.ID()
	logger := p.logger.With("batch_id", out.BatchID, "log_group", batch.LogGroup)
	defer func() {
		if err != nil && out.Status == "" {
			out.Status = StatusFailed
		}
		metrics.BatchesTotal.WithLabelValues(string(out.Status)).Inc()
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.LinesTotal.Add(float64(len(batch.Lines)))

	if prefix := p.opts.IgnoreLogGroupPrefix; prefix != "" && strings.HasPrefix(batch.LogGroup, prefix) {
		out.Status = StatusIgnored
		return out, nil
	}
	if len(batch.Lines) == 0 {
		out.Status = StatusEmpty
		return out, nil
	}

	// received -> tenant-resolved
	targets, err := p.store.ResolveTargets(ctx, batch.AccountID, batch.Region, batch.App, batch.Stage)
	if err != nil {
		return out, fmt.Errorf("resolve targets: %w", err)
	}
	out.Targets = len(targets)
	if len(targets) == 0 {
		logger.Debug("no matching tenants", "account_id", batch.AccountID, "app", batch.App, "stage", batch.Stage)
		out.Status = StatusNoTenant
		return out, nil
	}

	// tenant-resolved -> rate-checked
	hour := models.HourBucket(start)
	var allowed, rejected []models.TenantTarget
	for _, t := range targets {
		d, err := p.limiter.Check(ctx, t, hour)
		if err != nil {
			return out, err
		}
		if d.Allowed {
			allowed = append(allowed, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	out.RateLimited = len(rejected)
	metrics.RateLimited.Add(float64(len(rejected)))

	// Credentials per allowed target; a failure skips that tenant only.
	var credErr *multierror.Error
	var processing []models.TenantTarget
	var creds *aws.Config
	for _, t := range allowed {
		cfg, err := p.creds.AssumeRole(ctx, t.AWSAccountID, batch.Region, t.TenantID)
		if err != nil {
			logger.Warn("skipping tenant, account not accessible", "tenant_id", t.TenantID, "error", err)
			credErr = multierror.Append(credErr, fmt.Errorf("tenant %s: %w", t.TenantID, err))
			continue
		}
		if creds == nil {
			creds = &cfg
		}
		processing = append(processing, t)
	}

	// processing -> grouped
	var groups []*groupAgg
	if len(processing) > 0 {
		cache := p.openCache(ctx, logger, *creds, batch)
		defer cache.Destroy()

		results := p.processLines(ctx, logger, cache, batch)
		out.Candidates, out.Extracted, out.Panics = tally(results)
		groups = groupResults(results)
		out.Groups = len(groups)
	}

	pb := p.buildBatch(batch, out.BatchID, start, processing, rejected, groups, out.Candidates > 0)
	switch {
	case len(processing) > 0 && len(groups) > 0:
		out.Status = StatusDetected
	case len(processing) > 0 && out.Candidates > 0:
		out.Status = StatusFailedToProcess
	case len(processing) > 0:
		out.Status = StatusNoErrors
	case len(rejected) > 0:
		out.Status = StatusRateLimited
	default:
		out.Status = StatusFailed
	}

	// grouped -> persisted -> published
	if len(pb.Writes) > 0 {
		result, err := p.store.PersistBatch(ctx, pb)
		if err != nil {
			out.Status = StatusFailed
			return out, fmt.Errorf("%w %s: %w", ErrPersist, out.BatchID, err)
		}
		out.Replayed = len(result.Skipped)

		pubCtx := context.WithoutCancel(ctx)
		for _, effect := range result.Effects {
			effect(pubCtx)
		}
	}

	logger.Info("batch processed",
		"status", out.Status,
		"lines", len(batch.Lines),
		"targets", out.Targets,
		"rate_limited", out.RateLimited,
		"extracted", out.Extracted,
		"groups", out.Groups,
		"replayed", out.Replayed,
	)
	return out, credErr.ErrorOrNil()
}

// openCache builds the batch's sourcemap cache. Without an artifact store the
// cache resolves nothing and frames stay raw.
func (p *Processor) openCache(ctx context.Context, logger *slog.Logger, cfg aws.Config, batch models.LogBatch) *sourcemap.Cache {
	var artifacts sourcemap.ArtifactStore = emptyStore{}
	if p.opener != nil {
		s, err := p.opener.Open(ctx, cfg, batch.AccountID, batch.App, batch.Stage)
		if err != nil {
			logger.Warn("sourcemaps unavailable", "error", err)
		} else {
			artifacts = s
		}
	}
	opts := []sourcemap.Option{sourcemap.WithLogger(logger)}
	if p.opts.FetchTimeout > 0 {
		opts = append(opts, sourcemap.WithFetchTimeout(p.opts.FetchTimeout))
	}
	return sourcemap.NewCache(batch.ArtifactKey(), artifacts, opts...)
}

// processLines extracts, resolves and groups every line concurrently. Each
// goroutine settles its own slot; none returns an error.
func (p *Processor) processLines(ctx context.Context, logger *slog.Logger, cache *sourcemap.Cache, batch models.LogBatch) []*lineResult {
	results := make([]*lineResult, len(batch.Lines))
	artifactKey := batch.ArtifactKey()

	var g errgroup.Group
	g.SetLimit(p.opts.LineConcurrency)
	for i, line := range batch.Lines {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					metrics.LinePanics.Inc()
					logger.Error("line processing panicked",
						"line", i,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()),
					)
					results[i] = nil
				}
			}()
			results[i] = p.processLine(ctx, cache, artifactKey, line)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Processor) processLine(ctx context.Context, cache *sourcemap.Cache, artifactKey string, line models.LogLine) *lineResult {
	fields := line.Fields()
	r := &lineResult{candidate: extract.LooksLikeError(fields)}

	res := p.extractor.Extract(fields)
	if res.Status != extract.Matched {
		return r
	}
	metrics.ExtractedErrors.WithLabelValues(res.Matcher).Inc()

	r.matched = true
	r.candidate = true
	r.err = p.resolver.Resolve(ctx, cache, line.Time(), res.Error)
	r.group = fingerprint.Group(r.err, artifactKey)
	return r
}

// tally counts error candidates, extracted errors and panicked lines. A nil
// slot is a line whose processing panicked.
func tally(results []*lineResult) (candidates, extracted, panics int) {
	for _, r := range results {
		if r == nil {
			panics++
			continue
		}
		if r.candidate {
			candidates++
		}
		if r.matched {
			extracted++
		}
	}
	return candidates, extracted, panics
}

// groupResults buckets matched lines by group, ordered by group key so that
// concurrent batches take row locks in the same order.
func groupResults(results []*lineResult) []*groupAgg {
	byGroup := make(map[string]*groupAgg)
	for i, r := range results {
		if r == nil || !r.matched {
			continue
		}
		agg, ok := byGroup[r.group]
		if !ok {
			agg = &groupAgg{group: r.group, first: i, err: r.err}
			byGroup[r.group] = agg
		}
		agg.count++
	}

	groups := make([]*groupAgg, 0, len(byGroup))
	for _, agg := range byGroup {
		groups = append(groups, agg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].group < groups[j].group })
	return groups
}

// buildBatch turns the grouped outcome into the single persisted unit. Events
// ride along as effects that run only for targets the commit applied.
func (p *Processor) buildBatch(batch models.LogBatch, id string, now time.Time, processing, rejected []models.TenantTarget, groups []*groupAgg, anyCandidate bool) *store.Batch {
	pb := &store.Batch{
		ID:       id,
		Hour:     now,
		LogGroup: batch.LogGroup,
		Seen:     now.UTC(),
	}
	lines := int64(len(batch.Lines))

	for _, t := range processing {
		w := store.TargetWrite{Target: t}
		switch {
		case len(groups) > 0:
			for _, g := range groups {
				first := batch.Lines[g.first]
				w.Issues = append(w.Issues, store.IssueUpsert{
					Group:   g.group,
					Kind:    g.err.Kind,
					Message: g.err.Message,
					Stack:   g.err.Stack,
					Pointer: models.Pointer{
						LogGroup:  batch.LogGroup,
						LogStream: batch.LogStream,
						Timestamp: first.Timestamp,
					},
					Count: g.count,
				})
				w.Counts = append(w.Counts, store.CountUpsert{Group: g.group, Count: g.count})
				w.Effects = append(w.Effects, p.publishEffect(events.SubjectIssueDetected,
					events.IssueDetected{TenantID: t.TenantID, StageID: t.StageID, Group: g.group}))
			}
		case anyCandidate:
			w.Counts = []store.CountUpsert{{Group: models.GroupFailedToProcess, Count: lines}}
		default:
			continue
		}
		pb.Writes = append(pb.Writes, w)
	}

	for _, t := range rejected {
		pb.Writes = append(pb.Writes, store.TargetWrite{
			Target: t,
			Counts: []store.CountUpsert{{Group: models.GroupRateLimited, Count: lines}},
			Effects: []store.Effect{p.publishEffect(events.SubjectRateLimited,
				events.RateLimited{TenantID: t.TenantID, StageID: t.StageID, LogGroup: batch.LogGroup})},
		})
	}
	return pb
}

func (p *Processor) publishEffect(subject string, payload any) store.Effect {
	return func(ctx context.Context) {
		if err := events.PublishJSON(ctx, p.publisher, subject, payload); err != nil {
			p.logger.Warn("publishing event failed", "subject", subject, "error", err)
		}
	}
}

// emptyStore is used when no artifact store could be opened.
type emptyStore struct{}

func (emptyStore) List(context.Context, string) ([]sourcemap.Artifact, error) { return nil, nil }
func (emptyStore) Fetch(context.Context, sourcemap.Artifact) ([]byte, error) {
	return nil, sourcemap.ErrArtifactNotFound
}
func (emptyStore) Close() error { return nil }
