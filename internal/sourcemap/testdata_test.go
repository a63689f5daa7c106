package sourcemap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// handlerSource is the original file the fixture map points into. Line 10 is
// the throw site.
var handlerSource = func() string {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = fmt.Sprintf("// line %d", i+1)
	}
	lines[9] = "  throw new RuntimeError('disk full')"
	return strings.Join(lines, "\n")
}()

// fixtureMap maps index.js line 42 column 7 (1-based) to ../src/handler.ts
// line 10 column 3, name "handler". Segment "MASEA" is the VLQ encoding of
// [genCol 6, source 0, line 9, col 2, name 0].
func fixtureMap() []byte {
	b, _ := json.Marshal(map[string]any{
		"version":        3,
		"file":           "index.js",
		"sources":        []string{"../src/handler.ts"},
		"sourcesContent": []string{handlerSource},
		"names":          []string{"handler"},
		"mappings":       strings.Repeat(";", 41) + "MASEA",
	})
	return b
}

// fixtureMapNoContent is fixtureMap without sourcesContent.
func fixtureMapNoContent() []byte {
	b, _ := json.Marshal(map[string]any{
		"version":  3,
		"file":     "index.js",
		"sources":  []string{"../src/handler.ts"},
		"names":    []string{"handler"},
		"mappings": strings.Repeat(";", 41) + "MASEA",
	})
	return b
}

// fakeStore is an in-memory ArtifactStore counting calls.
type fakeStore struct {
	mu        sync.Mutex
	artifacts []Artifact
	blobs     map[string][]byte
	listErr   error
	fetchErr  error
	delay     time.Duration

	lists   atomic.Int32
	fetches atomic.Int32
	closes  atomic.Int32
}

func newFakeStore(artifacts ...Artifact) *fakeStore {
	return &fakeStore{artifacts: artifacts, blobs: make(map[string][]byte)}
}

func (f *fakeStore) put(a Artifact, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	f.blobs[a.Key] = data
}

func (f *fakeStore) List(_ context.Context, _ string) ([]Artifact, error) {
	f.lists.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Artifact(nil), f.artifacts...), nil
}

func (f *fakeStore) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[a.Key]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return data, nil
}

func (f *fakeStore) Close() error {
	f.closes.Add(1)
	return nil
}
