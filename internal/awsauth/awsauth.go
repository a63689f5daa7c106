// Package awsauth obtains short-lived credentials for a tenant's cloud account.
package awsauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
)

// ErrAccountInaccessible means the tenant's role could not be assumed.
var ErrAccountInaccessible = errors.New("account not accessible")

const (
	DefaultRolePrefix = "sst-"
	DefaultDuration   = 900 * time.Second
	sessionName       = "issuehunter"
)

// Provider returns an AWS config carrying credentials for a tenant's account.
type Provider interface {
	AssumeRole(ctx context.Context, accountID, region string, tenantID uuid.UUID) (aws.Config, error)
}

// STSAPI is the subset of the STS client the provider uses.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSProvider assumes arn:aws:iam::<account>:role/<prefix><tenant> with the
// tenant id as external id.
type STSProvider struct {
	client     STSAPI
	base       aws.Config
	rolePrefix string
	duration   time.Duration
	logger     *slog.Logger
}

var _ Provider = (*STSProvider)(nil)

// Options configures an STSProvider.
type Options struct {
	RolePrefix string
	Duration   time.Duration
	Logger     *slog.Logger
}

// NewSTSProvider loads the service's own credentials from the default chain.
func NewSTSProvider(ctx context.Context, region string, opts Options) (*STSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewSTSProviderWithClient(sts.NewFromConfig(cfg), cfg, opts), nil
}

// NewSTSProviderWithClient builds a provider over an existing STS client.
func NewSTSProviderWithClient(client STSAPI, base aws.Config, opts Options) *STSProvider {
	if opts.RolePrefix == "" {
		opts.RolePrefix = DefaultRolePrefix
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &STSProvider{
		client:     client,
		base:       base,
		rolePrefix: opts.RolePrefix,
		duration:   opts.Duration,
		logger:     opts.Logger,
	}
}

// RoleARN returns the role assumed for tenantID in accountID.
func (p *STSProvider) RoleARN(accountID string, tenantID uuid.UUID) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s%s", accountID, p.rolePrefix, tenantID)
}

func (p *STSProvider) AssumeRole(ctx context.Context, accountID, region string, tenantID uuid.UUID) (aws.Config, error) {
	roleARN := p.RoleARN(accountID, tenantID)
	out, err := p.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
		ExternalId:      aws.String(tenantID.String()),
		DurationSeconds: aws.Int32(int32(p.duration / time.Second)),
	})
	if err != nil {
		p.logger.Warn("assume role failed", "role", roleARN, "tenant_id", tenantID, "error", err)
		return aws.Config{}, fmt.Errorf("%w: %s: %v", ErrAccountInaccessible, roleARN, err)
	}
	if out.Credentials == nil {
		return aws.Config{}, fmt.Errorf("%w: %s: no credentials returned", ErrAccountInaccessible, roleARN)
	}

	creds := out.Credentials
	cfg := p.base.Copy()
	cfg.Region = region
	cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		aws.ToString(creds.AccessKeyId),
		aws.ToString(creds.SecretAccessKey),
		aws.ToString(creds.SessionToken),
	))
	return cfg, nil
}
