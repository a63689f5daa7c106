package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/issuehunter/internal/metrics"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

const defaultPersistAttempts = 3

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool            *pgxpool.Pool
	persistAttempts int
	retryInterval   time.Duration
}

var _ Store = (*PostgresStore)(nil)

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithPersistAttempts bounds how many times a batch transaction is tried.
func WithPersistAttempts(n int) Option {
	return func(s *PostgresStore) {
		if n > 0 {
			s.persistAttempts = n
		}
	}
}

// WithRetryInterval sets the initial backoff between batch transaction attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(s *PostgresStore) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	s := &PostgresStore{
		pool:            pool,
		persistAttempts: defaultPersistAttempts,
		retryInterval:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Targets and counts ---

// ResolveTargets returns every (tenant, stage) the batch source belongs to.
// Accounts whose access previously failed are excluded.
func (s *PostgresStore) ResolveTargets(ctx context.Context, accountID, region, app, stage string) ([]models.TenantTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.tenant_id, st.id, a.account_id
		 FROM aws_accounts a
		 JOIN stages st ON st.aws_account_id = a.id AND st.tenant_id = a.tenant_id
		 WHERE a.account_id = $1 AND a.time_failed IS NULL
		   AND st.region = $2 AND st.app = $3 AND st.name = $4
		 ORDER BY a.tenant_id, st.id`, accountID, region, app, stage)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	defer rows.Close()

	var targets []models.TenantTarget
	for rows.Next() {
		var t models.TenantTarget
		if err := rows.Scan(&t.TenantID, &t.StageID, &t.AWSAccountID); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *PostgresStore) SumHourlyCounts(ctx context.Context, filter CountFilter) (int64, error) {
	query := `SELECT COALESCE(SUM(count), 0) FROM issue_counts WHERE tenant_id = $1 AND hour = $2`
	args := []any{filter.TenantID, models.HourBucket(filter.Hour)}
	if filter.StageID != uuid.Nil {
		query += ` AND stage_id = $3`
		args = append(args, filter.StageID)
	}

	var sum int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum hourly counts: %w", err)
	}
	return sum, nil
}

// --- Batches ---

// PersistBatch writes every target's rows in one transaction. Serialization
// failures and deadlocks are retried with exponential backoff.
func (s *PostgresStore) PersistBatch(ctx context.Context, batch *Batch) (*BatchResult, error) {
	var result *BatchResult
	attempt := 0
	op := func() error {
		attempt++
		r, err := s.persistOnce(ctx, batch)
		if err == nil {
			result = r
			return nil
		}
		if isRetryableError(err) {
			if attempt < s.persistAttempts {
				metrics.PersistRetries.Inc()
			}
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.persistAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}
	return result, nil
}

// PruneProcessedBatches deletes replay markers recorded before before. A batch
// redelivered after its marker is gone is counted again.
func (s *PostgresStore) PruneProcessedBatches(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_batches WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune processed batches: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) persistOnce(ctx context.Context, batch *Batch) (*BatchResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	hour := models.HourBucket(batch.Hour)
	seen := batch.Seen
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	result := &BatchResult{}
	for _, w := range batch.Writes {
		if batch.ID != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO processed_batches (tenant_id, stage_id, batch_id) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`, w.Target.TenantID, w.Target.StageID, batch.ID)
			if err != nil {
				return nil, fmt.Errorf("mark batch: %w", err)
			}
			if tag.RowsAffected() == 0 {
				result.Skipped = append(result.Skipped, w.Target)
				continue
			}
		}

		for _, is := range w.Issues {
			if err := upsertIssue(ctx, tx, w.Target, is, seen); err != nil {
				return nil, err
			}
		}
		for _, c := range w.Counts {
			if err := upsertCount(ctx, tx, w.Target, hour, batch.LogGroup, c); err != nil {
				return nil, err
			}
		}
		result.Applied = append(result.Applied, w.Target)
		result.Effects = append(result.Effects, w.Effects...)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func upsertIssue(ctx context.Context, tx pgx.Tx, target models.TenantTarget, is IssueUpsert, seen time.Time) error {
	stack := is.Stack
	if stack == nil {
		stack = []models.StackFrame{}
	}
	pointer := is.Pointer
	_, err := tx.Exec(ctx,
		`INSERT INTO issues (id, tenant_id, stage_id, "group", error, message, stack, pointer, count, time_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, stage_id, "group") DO UPDATE SET
		   error = EXCLUDED.error,
		   message = EXCLUDED.message,
		   stack = EXCLUDED.stack,
		   pointer = EXCLUDED.pointer,
		   count = issues.count + EXCLUDED.count,
		   time_seen = EXCLUDED.time_seen,
		   time_resolved = NULL,
		   resolver = NULL,
		   time_ignored = NULL,
		   ignorer = NULL,
		   updated_at = NOW()`,
		uuid.New(), target.TenantID, target.StageID, is.Group, is.Kind,
		TruncateMessage(is.Message), stack, &pointer, is.Count, seen)
	if err != nil {
		return fmt.Errorf("upsert issue %s: %w", is.Group, err)
	}
	return nil
}

func upsertCount(ctx context.Context, tx pgx.Tx, target models.TenantTarget, hour time.Time, logGroup string, c CountUpsert) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO issue_counts (tenant_id, stage_id, hour, "group", log_group, count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, stage_id, hour, "group") DO UPDATE SET
		   count = issue_counts.count + EXCLUDED.count,
		   log_group = EXCLUDED.log_group`,
		target.TenantID, target.StageID, hour, c.Group, logGroup, c.Count)
	if err != nil {
		return fmt.Errorf("upsert count %s: %w", c.Group, err)
	}
	return nil
}

// TruncateMessage cuts s to at most models.MaxMessageBytes without splitting
// a UTF-8 sequence.
func TruncateMessage(s string) string {
	if len(s) <= models.MaxMessageBytes {
		return s
	}
	cut := models.MaxMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// --- Issues ---

const issueColumns = `id, tenant_id, stage_id, "group", error, message, stack, pointer, count,
	time_seen, time_resolved, resolver, time_ignored, ignorer, created_at, updated_at`

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var i models.Issue
	err := row.Scan(&i.ID, &i.TenantID, &i.StageID, &i.Group, &i.Kind, &i.Message, &i.Stack,
		&i.Pointer, &i.Count, &i.TimeSeen, &i.TimeResolved, &i.Resolver, &i.TimeIgnored,
		&i.Ignorer, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.StageID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("stage_id = $%d", argIdx))
		args = append(args, filter.StageID)
		argIdx++
	}
	switch filter.Status {
	case StatusOpen:
		conditions = append(conditions, "time_resolved IS NULL AND time_ignored IS NULL")
	case StatusResolved:
		conditions = append(conditions, "time_resolved IS NOT NULL")
	case StatusIgnored:
		conditions = append(conditions, "time_ignored IS NOT NULL")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issues WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM issues WHERE %s ORDER BY time_seen DESC, id LIMIT $%d OFFSET $%d`,
		issueColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	return issues, total, rows.Err()
}

func (s *PostgresStore) GetIssue(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Issue, error) {
	i, err := scanIssue(s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return i, nil
}

var issueActionSet = map[IssueAction]string{
	ActionResolve:   `time_resolved = NOW(), resolver = $3, time_ignored = NULL, ignorer = NULL`,
	ActionUnresolve: `time_resolved = NULL, resolver = NULL`,
	ActionIgnore:    `time_ignored = NOW(), ignorer = $3, time_resolved = NULL, resolver = NULL`,
	ActionUnignore:  `time_ignored = NULL, ignorer = NULL`,
}

// UpdateIssueState applies action to the tenant's issues in ids and returns
// the number of rows changed. Unknown ids are ignored.
func (s *PostgresStore) UpdateIssueState(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, action IssueAction, actor models.Actor) (int64, error) {
	set, ok := issueActionSet[action]
	if !ok {
		return 0, fmt.Errorf("unknown issue action %q", action)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	args := []any{tenantID, ids}
	if strings.Contains(set, "$3") {
		args = append(args, actor)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE issues SET `+set+`, updated_at = NOW() WHERE tenant_id = $1 AND id = ANY($2)`, args...)
	if err != nil {
		return 0, fmt.Errorf("%s issues: %w", action, err)
	}
	return tag.RowsAffected(), nil
}

// ListIssueCounts returns the issue's hour buckets at or after since, oldest first.
func (s *PostgresStore) ListIssueCounts(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, since time.Time) ([]*models.HourlyCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.tenant_id, c.stage_id, c.hour, c."group", c.log_group, c.count
		 FROM issue_counts c
		 JOIN issues i ON i.tenant_id = c.tenant_id AND i.stage_id = c.stage_id AND i."group" = c."group"
		 WHERE i.id = $1 AND i.tenant_id = $2 AND c.hour >= $3
		 ORDER BY c.hour`, id, tenantID, models.HourBucket(since))
	if err != nil {
		return nil, fmt.Errorf("list issue counts: %w", err)
	}
	defer rows.Close()

	var counts []*models.HourlyCount
	for rows.Next() {
		var c models.HourlyCount
		if err := rows.Scan(&c.TenantID, &c.StageID, &c.Hour, &c.Group, &c.LogGroup, &c.Count); err != nil {
			return nil, fmt.Errorf("scan issue count: %w", err)
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isRetryableError reports serialization failures and deadlocks.
func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
