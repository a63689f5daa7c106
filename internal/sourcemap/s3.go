package sourcemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxArtifactBytes bounds a single sourcemap download.
const maxArtifactBytes = 64 << 20

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads artifacts published under
// sourcemap/<app>/<stage>/<artifactKey>/ in the stage's bootstrap bucket.
type S3Store struct {
	client     S3API
	bucket     string
	prefix     string
	httpClient *http.Client
}

var _ ArtifactStore = (*S3Store)(nil)

// NewS3Store builds a store with its own S3 client from cfg. The client's idle
// connections are released by Close.
func NewS3Store(cfg aws.Config, bucket, app, stage string) *S3Store {
	httpClient := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = httpClient
	})
	s := NewS3StoreWithClient(client, bucket, app, stage)
	s.httpClient = httpClient
	return s
}

// NewS3StoreWithClient builds a store over an existing client.
func NewS3StoreWithClient(client S3API, bucket, app, stage string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: fmt.Sprintf("sourcemap/%s/%s/", app, stage),
	}
}

// Prefix returns the object prefix artifacts for key are listed under.
func (s *S3Store) Prefix(key string) string {
	return s.prefix + key + "/"
}

func (s *S3Store) List(ctx context.Context, key string) ([]Artifact, error) {
	prefix := s.Prefix(key)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var artifacts []Artifact
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			if !strings.HasSuffix(objKey, ".map") {
				continue
			}
			artifacts = append(artifacts, Artifact{
				Key:          objKey,
				Name:         path.Base(objKey),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
				Size:         aws.ToInt64(obj.Size),
			})
		}
	}
	return artifacts, nil
}

func (s *S3Store) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(a.Key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", a.Key, ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, a.Key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, a.Key, err)
	}
	return data, nil
}

func (s *S3Store) Close() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}
