package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/issuehunter/internal/awsauth"
	"github.com/kiranshivaraju/issuehunter/internal/events"
	"github.com/kiranshivaraju/issuehunter/internal/ratelimit"
	"github.com/kiranshivaraju/issuehunter/internal/sourcemap"
	"github.com/kiranshivaraju/issuehunter/internal/store"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// --- fakes ---

type fakeStore struct {
	mu         sync.Mutex
	targets    []models.TenantTarget
	resolveErr error
	persistErr error
	markers    map[string]bool
	batches    []*store.Batch
}

func (s *fakeStore) ResolveTargets(_ context.Context, _, _, _, _ string) ([]models.TenantTarget, error) {
	return s.targets, s.resolveErr
}

func (s *fakeStore) PersistBatch(_ context.Context, b *store.Batch) (*store.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	if s.persistErr != nil {
		return nil, s.persistErr
	}
	if s.markers == nil {
		s.markers = make(map[string]bool)
	}
	res := &store.BatchResult{}
	for _, w := range b.Writes {
		key := b.ID + "/" + w.Target.TenantID.String() + "/" + w.Target.StageID.String()
		if s.markers[key] {
			res.Skipped = append(res.Skipped, w.Target)
			continue
		}
		s.markers[key] = true
		res.Applied = append(res.Applied, w.Target)
		res.Effects = append(res.Effects, w.Effects...)
	}
	return res, nil
}

func (s *fakeStore) lastBatch(t *testing.T) *store.Batch {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.batches)
	return s.batches[len(s.batches)-1]
}

type fakeLimiter struct {
	rejected map[uuid.UUID]bool
	err      error
	hours    []time.Time
}

func (l *fakeLimiter) Check(_ context.Context, target models.TenantTarget, hour time.Time) (ratelimit.Decision, error) {
	l.hours = append(l.hours, hour)
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	return ratelimit.Decision{Allowed: !l.rejected[target.TenantID], Limit: 10}, nil
}

type fakeCreds struct {
	mu     sync.Mutex
	failed map[uuid.UUID]bool
	calls  int
}

func (c *fakeCreds) AssumeRole(_ context.Context, accountID, region string, tenantID uuid.UUID) (aws.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failed[tenantID] {
		return aws.Config{}, fmt.Errorf("%w: %s", awsauth.ErrAccountInaccessible, accountID)
	}
	return aws.Config{Region: region}, nil
}

type fakeOpener struct {
	store sourcemap.ArtifactStore
	err   error
}

func (o *fakeOpener) Open(context.Context, aws.Config, string, string, string) (sourcemap.ArtifactStore, error) {
	return o.store, o.err
}

type memStore struct {
	blob      []byte
	listPanic atomic.Int32
	closed    atomic.Bool
}

func (s *memStore) List(context.Context, string) ([]sourcemap.Artifact, error) {
	if s.listPanic.Add(-1) >= 0 {
		panic("listing exploded")
	}
	return []sourcemap.Artifact{{Key: "k/index.js.map", Name: "index.js.map"}}, nil
}

func (s *memStore) Fetch(context.Context, sourcemap.Artifact) ([]byte, error) {
	return s.blob, nil
}

func (s *memStore) Close() error {
	s.closed.Store(true)
	return nil
}

type message struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []message
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{subject: subject, data: data})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.subject
	}
	return out
}

// --- fixtures ---

// handlerMap maps index.js:42:7 to src/handler.ts:10:3.
var handlerMap = []byte(`{"version":3,"file":"index.js","sources":["../src/handler.ts"],"names":["handler"],"mappings":"` +
	strings.Repeat(";", 41) + `MASEA"}`)

var now = time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)

const (
	errorLine     = "2024-03-01T12:00:00.000Z\treq-1\tERROR\tRuntimeError: disk full\n    at /var/task/index.handler (/var/task/index.js:42:7)"
	otherLine     = "2024-03-01T12:00:01.000Z\treq-2\tERROR\tTypeError: x is undefined\n    at /var/task/index.handler (/var/task/index.js:42:7)"
	infoLine      = "2024-03-01T12:00:02.000Z\treq-3\tINFO\tuser signed in"
	unparsedFrame = "something broke\n    at x (/var/task/index.js:1:1)"
)

func batchOf(messages ...string) models.LogBatch {
	b := models.LogBatch{
		AccountID: "123456789012",
		Region:    "us-east-1",
		App:       "web",
		Stage:     "prod",
		LogGroup:  "/aws/lambda/web-prod-api",
		LogStream: "2024/03/01/[$LATEST]abc",
	}
	for i, m := range messages {
		b.Lines = append(b.Lines, models.LogLine{
			ID:        fmt.Sprintf("evt-%d", i),
			Message:   m,
			Timestamp: now.Add(time.Duration(i) * time.Second).UnixMilli(),
		})
	}
	return b
}

func target() models.TenantTarget {
	return models.TenantTarget{TenantID: uuid.New(), StageID: uuid.New(), AWSAccountID: "123456789012"}
}

type harness struct {
	store     *fakeStore
	limiter   *fakeLimiter
	creds     *fakeCreds
	opener    *fakeOpener
	artifacts *memStore
	publisher *recordingPublisher
	opts      Options
}

func newHarness(targets ...models.TenantTarget) *harness {
	artifacts := &memStore{blob: handlerMap}
	return &harness{
		store:     &fakeStore{targets: targets},
		limiter:   &fakeLimiter{rejected: map[uuid.UUID]bool{}},
		creds:     &fakeCreds{failed: map[uuid.UUID]bool{}},
		opener:    &fakeOpener{store: artifacts},
		artifacts: artifacts,
		publisher: &recordingPublisher{},
		opts:      Options{Now: func() time.Time { return now }},
	}
}

func (h *harness) processor() *Processor {
	return NewProcessor(h.store, h.limiter, h.creds, h.opener, h.publisher, h.opts)
}

// --- Process ---

func TestProcess_GroupsRepeatedErrors(t *testing.T) {
	tgt := target()
	h := newHarness(tgt)

	out, err := h.processor().Process(context.Background(), batchOf(errorLine, infoLine, errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusDetected, out.Status)
	assert.Equal(t, 1, out.Targets)
	assert.Equal(t, 2, out.Extracted)
	assert.Equal(t, 2, out.Candidates)
	assert.Equal(t, 1, out.Groups)

	b := h.store.lastBatch(t)
	assert.Equal(t, out.BatchID, b.ID)
	assert.Equal(t, now, b.Hour)
	assert.Equal(t, "/aws/lambda/web-prod-api", b.LogGroup)
	require.Len(t, b.Writes, 1)
	w := b.Writes[0]
	assert.Equal(t, tgt, w.Target)
	require.Len(t, w.Issues, 1)
	issue := w.Issues[0]
	assert.Equal(t, "RuntimeError", issue.Kind)
	assert.Equal(t, "disk full", issue.Message)
	assert.Equal(t, int64(2), issue.Count)
	require.Len(t, issue.Stack, 1)
	assert.Equal(t, "src/handler.ts", issue.Stack[0].File)
	assert.Equal(t, 10, issue.Stack[0].Line)
	assert.True(t, issue.Stack[0].Important)
	assert.Equal(t, models.Pointer{
		LogGroup:  "/aws/lambda/web-prod-api",
		LogStream: "2024/03/01/[$LATEST]abc",
		Timestamp: now.UnixMilli(),
	}, issue.Pointer)
	assert.Equal(t, []store.CountUpsert{{Group: issue.Group, Count: 2}}, w.Counts)

	require.Equal(t, []string{events.SubjectIssueDetected}, h.publisher.subjects())
	var ev events.IssueDetected
	require.NoError(t, json.Unmarshal(h.publisher.messages[0].data, &ev))
	assert.Equal(t, events.IssueDetected{TenantID: tgt.TenantID, StageID: tgt.StageID, Group: issue.Group}, ev)

	assert.True(t, h.artifacts.closed.Load(), "cache destroyed after the batch")
	assert.Equal(t, []time.Time{models.HourBucket(now)}, h.limiter.hours)
}

func TestProcess_DistinctErrorsOrderedByGroup(t *testing.T) {
	h := newHarness(target())

	out, err := h.processor().Process(context.Background(), batchOf(errorLine, otherLine))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Groups)
	issues := h.store.lastBatch(t).Writes[0].Issues
	require.Len(t, issues, 2)
	assert.Less(t, issues[0].Group, issues[1].Group)
	assert.Len(t, h.publisher.subjects(), 2)
}

func TestProcess_SameErrorSameGroupAcrossBatches(t *testing.T) {
	h := newHarness(target())
	p := h.processor()

	_, err := p.Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)
	first := h.store.lastBatch(t).Writes[0].Issues[0].Group

	_, err = p.Process(context.Background(), batchOf(infoLine, errorLine))
	require.NoError(t, err)
	second := h.store.lastBatch(t).Writes[0].Issues[0].Group

	assert.Equal(t, first, second)
}

func TestProcess_RateLimitedTarget(t *testing.T) {
	tgt := target()
	h := newHarness(tgt)
	h.limiter.rejected[tgt.TenantID] = true

	out, err := h.processor().Process(context.Background(), batchOf(errorLine, infoLine, errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusRateLimited, out.Status)
	assert.Equal(t, 1, out.RateLimited)
	assert.Zero(t, out.Extracted)
	assert.Zero(t, h.creds.calls, "rejected targets are not processed")

	w := h.store.lastBatch(t).Writes
	require.Len(t, w, 1)
	assert.Empty(t, w[0].Issues)
	assert.Equal(t, []store.CountUpsert{{Group: models.GroupRateLimited, Count: 3}}, w[0].Counts)

	require.Equal(t, []string{events.SubjectRateLimited}, h.publisher.subjects())
	var ev events.RateLimited
	require.NoError(t, json.Unmarshal(h.publisher.messages[0].data, &ev))
	assert.Equal(t, "/aws/lambda/web-prod-api", ev.LogGroup)
}

func TestProcess_MultiTenantMixedDecisions(t *testing.T) {
	allowed, rejected := target(), target()
	h := newHarness(allowed, rejected)
	h.limiter.rejected[rejected.TenantID] = true

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusDetected, out.Status)
	assert.Equal(t, 2, out.Targets)
	assert.Equal(t, 1, out.RateLimited)

	w := h.store.lastBatch(t).Writes
	require.Len(t, w, 2)
	assert.Equal(t, allowed, w[0].Target)
	assert.Len(t, w[0].Issues, 1)
	assert.Equal(t, rejected, w[1].Target)
	assert.Equal(t, models.GroupRateLimited, w[1].Counts[0].Group)
	assert.ElementsMatch(t, []string{events.SubjectIssueDetected, events.SubjectRateLimited}, h.publisher.subjects())
}

func TestProcess_FailedToProcess(t *testing.T) {
	h := newHarness(target())

	out, err := h.processor().Process(context.Background(), batchOf(unparsedFrame, infoLine))
	require.NoError(t, err)

	assert.Equal(t, StatusFailedToProcess, out.Status)
	assert.Equal(t, 1, out.Candidates)
	assert.Zero(t, out.Extracted)

	w := h.store.lastBatch(t).Writes
	require.Len(t, w, 1)
	assert.Empty(t, w[0].Issues)
	assert.Equal(t, []store.CountUpsert{{Group: models.GroupFailedToProcess, Count: 2}}, w[0].Counts)
	assert.Empty(t, h.publisher.subjects())
}

func TestProcess_NoErrorsWritesNothing(t *testing.T) {
	h := newHarness(target())

	out, err := h.processor().Process(context.Background(), batchOf(infoLine, infoLine))
	require.NoError(t, err)

	assert.Equal(t, StatusNoErrors, out.Status)
	assert.Empty(t, h.store.batches)
	assert.Empty(t, h.publisher.subjects())
}

func TestProcess_IgnoredLogGroup(t *testing.T) {
	h := newHarness(target())
	h.opts.IgnoreLogGroupPrefix = "/aws/lambda/web-prod"

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusIgnored, out.Status)
	assert.Empty(t, h.store.batches)
	assert.Empty(t, h.limiter.hours)
}

func TestProcess_EmptyBatch(t *testing.T) {
	h := newHarness(target())

	out, err := h.processor().Process(context.Background(), batchOf())
	require.NoError(t, err)

	assert.Equal(t, StatusEmpty, out.Status)
	assert.Empty(t, h.store.batches)
}

func TestProcess_NoTenant(t *testing.T) {
	h := newHarness()

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusNoTenant, out.Status)
	assert.Empty(t, h.store.batches)
	assert.Empty(t, h.limiter.hours)
}

func TestProcess_ResolveTargetsError(t *testing.T) {
	h := newHarness()
	h.store.resolveErr = errors.New("db down")

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, StatusFailed, out.Status)
}

func TestProcess_RateCheckErrorAbortsBatch(t *testing.T) {
	h := newHarness(target())
	h.limiter.err = errors.New("counter unavailable")

	_, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.Error(t, err)
	assert.Empty(t, h.store.batches)
	assert.Empty(t, h.publisher.subjects())
}

func TestProcess_ReplayIsNoop(t *testing.T) {
	h := newHarness(target())
	p := h.processor()
	batch := batchOf(errorLine, errorLine)

	first, err := p.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Zero(t, first.Replayed)

	second, err := p.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Replayed)
	assert.Equal(t, first.BatchID, second.BatchID)

	assert.Len(t, h.publisher.subjects(), 1, "events are published once")
}

func TestProcess_CredentialFailureSkipsTenant(t *testing.T) {
	ok, broken := target(), target()
	h := newHarness(ok, broken)
	h.creds.failed[broken.TenantID] = true

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.Error(t, err)
	assert.ErrorIs(t, err, awsauth.ErrAccountInaccessible)
	assert.Contains(t, err.Error(), broken.TenantID.String())

	assert.Equal(t, StatusDetected, out.Status)
	w := h.store.lastBatch(t).Writes
	require.Len(t, w, 1)
	assert.Equal(t, ok, w[0].Target)
}

func TestProcess_OpenerFailureLeavesFramesRaw(t *testing.T) {
	h := newHarness(target())
	h.opener.err = sourcemap.ErrNoBucket

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)

	assert.Equal(t, StatusDetected, out.Status)
	frame := h.store.lastBatch(t).Writes[0].Issues[0].Stack[0]
	assert.Equal(t, "at /var/task/index.handler (/var/task/index.js:42:7)", frame.Raw)
	assert.Empty(t, frame.File)
}

func TestProcess_RecoversLinePanic(t *testing.T) {
	h := newHarness(target())
	h.artifacts.listPanic.Store(1)
	h.opts.LineConcurrency = 1

	out, err := h.processor().Process(context.Background(), batchOf(errorLine, errorLine))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Panics)
	assert.Equal(t, 1, out.Extracted)
	issues := h.store.lastBatch(t).Writes[0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, int64(1), issues[0].Count)
}

func TestProcess_PanickedLineLeavesOthersGrouped(t *testing.T) {
	h := newHarness(target())
	h.artifacts.listPanic.Store(1)

	var out Outcome
	var err error
	require.NotPanics(t, func() {
		out, err = h.processor().Process(context.Background(), batchOf(errorLine, errorLine, errorLine))
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDetected, out.Status)
	assert.Equal(t, 1, out.Panics)
	assert.Equal(t, 2, out.Extracted)
	assert.Equal(t, 2, out.Candidates)
	issues := h.store.lastBatch(t).Writes[0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, int64(2), issues[0].Count)
}

func TestTally_SkipsPanickedSlots(t *testing.T) {
	results := []*lineResult{
		nil,
		{candidate: true, matched: true},
		{candidate: true},
		{},
		nil,
	}

	candidates, extracted, panics := tally(results)
	assert.Equal(t, 2, candidates)
	assert.Equal(t, 1, extracted)
	assert.Equal(t, 2, panics)
}

func TestProcess_PersistFailurePublishesNothing(t *testing.T) {
	h := newHarness(target())
	h.store.persistErr = errors.New("serialization failure")

	out, err := h.processor().Process(context.Background(), batchOf(errorLine))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Contains(t, err.Error(), "serialization failure")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, h.publisher.subjects())
}

func TestProcess_NilPublisherUsesNop(t *testing.T) {
	h := newHarness(target())
	p := NewProcessor(h.store, h.limiter, h.creds, h.opener, nil, h.opts)

	out, err := p.Process(context.Background(), batchOf(errorLine))
	require.NoError(t, err)
	assert.Equal(t, StatusDetected, out.Status)
}
