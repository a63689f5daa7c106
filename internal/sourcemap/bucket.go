package sourcemap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/kiranshivaraju/issuehunter/internal/cache"
)

// BootstrapParameter is the SSM parameter naming a stage region's bootstrap
// bucket, as JSON {"state": "<bucket>"}.
const BootstrapParameter = "/sst/bootstrap"

const bucketTTL = time.Hour

// ErrNoBucket is returned when neither the bootstrap parameter nor a fallback
// names a bucket.
var ErrNoBucket = errors.New("no sourcemap bucket")

// SSMAPI is the subset of the SSM client the resolver uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// BucketResolver finds the bucket sourcemaps are published to for an account
// and region.
type BucketResolver struct {
	cache    cache.Cache
	fallback string
	newSSM   func(aws.Config) SSMAPI
	logger   *slog.Logger
}

// NewBucketResolver returns a resolver that reads the bootstrap parameter with
// the tenant's credentials, caching answers in c (may be nil) and falling back
// to fallback when the parameter is absent.
func NewBucketResolver(c cache.Cache, fallback string, logger *slog.Logger) *BucketResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BucketResolver{
		cache:    c,
		fallback: fallback,
		newSSM:   func(cfg aws.Config) SSMAPI { return ssm.NewFromConfig(cfg) },
		logger:   logger,
	}
}

// Resolve returns the bucket for accountID in cfg.Region.
func (r *BucketResolver) Resolve(ctx context.Context, cfg aws.Config, accountID string) (string, error) {
	key := cache.SourcemapBucketKey(accountID, cfg.Region)
	if r.cache != nil {
		if b, found, err := r.cache.Get(ctx, key); err == nil && found {
			return string(b), nil
		}
	}

	bucket, lookupErr := r.lookup(ctx, cfg)
	if lookupErr != nil {
		r.logger.Warn("bootstrap parameter unavailable", "account_id", accountID, "region", cfg.Region, "error", lookupErr)
	}
	if bucket == "" {
		bucket = r.fallback
	}
	if bucket == "" {
		return "", fmt.Errorf("account %s region %s: %w", accountID, cfg.Region, ErrNoBucket)
	}

	// a failed lookup is not cached
	if r.cache != nil && lookupErr == nil {
		if err := r.cache.Set(ctx, key, []byte(bucket), bucketTTL); err != nil {
			r.logger.Warn("caching sourcemap bucket", "error", err)
		}
	}
	return bucket, nil
}

func (r *BucketResolver) lookup(ctx context.Context, cfg aws.Config) (string, error) {
	out, err := r.newSSM(cfg).GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(BootstrapParameter),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("getting %s: %w", BootstrapParameter, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", nil
	}

	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(out.Parameter.Value)), &v); err != nil {
		return "", fmt.Errorf("decoding %s: %w", BootstrapParameter, err)
	}
	return v.State, nil
}

// Opener builds the per-batch artifact store for a tenant's credentials.
type Opener struct {
	Buckets *BucketResolver
	// Blobs caches fetched artifact bytes; nil disables it.
	Blobs   cache.Cache
	BlobTTL time.Duration
	Logger  *slog.Logger
}

// Open resolves the bucket and returns an S3-backed store for app and stage.
func (o *Opener) Open(ctx context.Context, cfg aws.Config, accountID, app, stage string) (ArtifactStore, error) {
	bucket, err := o.Buckets.Resolve(ctx, cfg, accountID)
	if err != nil {
		return nil, err
	}
	var store ArtifactStore = NewS3Store(cfg, bucket, app, stage)
	if o.Blobs != nil {
		store = NewBlobCache(store, o.Blobs, o.BlobTTL, o.Logger)
	}
	return store, nil
}
