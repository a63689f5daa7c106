package sourcemap

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrArtifactNotFound is returned by an ArtifactStore when the requested
// artifact does not exist.
var ErrArtifactNotFound = errors.New("sourcemap artifact not found")

// Artifact is one published sourcemap file.
type Artifact struct {
	// Key is the store-specific object key.
	Key string
	// Name is the base file name, e.g. "index.mjs.map".
	Name         string
	ETag         string
	LastModified time.Time
	Size         int64
}

// Target returns the compiled file the artifact maps, by naming convention.
func (a Artifact) Target() string {
	return strings.TrimSuffix(a.Name, ".map")
}

// ArtifactStore lists and fetches sourcemap artifacts for a deployed function.
// Implementations must be safe for concurrent use.
type ArtifactStore interface {
	List(ctx context.Context, key string) ([]Artifact, error)
	Fetch(ctx context.Context, a Artifact) ([]byte, error)
	Close() error
}

// compiledBase reduces a frame's file reference (path or file:// URL, possibly
// with a query string) to its base name.
func compiledBase(file string) string {
	file = strings.TrimPrefix(file, "file://")
	if i := strings.IndexAny(file, "?#"); i >= 0 {
		file = file[:i]
	}
	return path.Base(file)
}

// pick chooses the artifact that maps compiledFile for an event at time at.
// Artifacts named after the compiled file win; without a name match every
// artifact is a candidate. Among candidates the newest one published at or
// before at is used, otherwise the oldest.
func pick(artifacts []Artifact, compiledFile string, at time.Time) (Artifact, bool) {
	if len(artifacts) == 0 {
		return Artifact{}, false
	}

	base := compiledBase(compiledFile)
	var candidates []Artifact
	for _, a := range artifacts {
		if a.Target() == base {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		candidates = artifacts
	}

	var (
		best, oldest Artifact
		found        bool
	)
	for i, a := range candidates {
		if i == 0 || a.LastModified.Before(oldest.LastModified) {
			oldest = a
		}
		if !at.IsZero() && a.LastModified.After(at) {
			continue
		}
		if !found || a.LastModified.After(best.LastModified) {
			best, found = a, true
		}
	}
	if !found {
		return oldest, true
	}
	return best, true
}
