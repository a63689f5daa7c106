package cache

import (
	"fmt"
	"strings"
)

// RateLimitKey is the per-API-key request counter.
func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// SourcemapBlobKey addresses a fetched sourcemap artifact by its object key and
// ETag, so a redeployed artifact never serves stale bytes.
func SourcemapBlobKey(objectKey, etag string) string {
	return fmt.Sprintf("sourcemap:blob:%s:%s", objectKey, strings.Trim(etag, `"`))
}

// SourcemapBucketKey caches the artifact bucket name resolved for an account
// and region.
func SourcemapBucketKey(accountID, region string) string {
	return fmt.Sprintf("sourcemap:bucket:%s:%s", accountID, region)
}
