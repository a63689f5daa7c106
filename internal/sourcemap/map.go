package sourcemap

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	gosourcemap "github.com/go-sourcemap/sourcemap"
)

// contextRadius is the number of source lines kept above and below a mapped line.
const contextRadius = 3

// Position is an original source location.
type Position struct {
	// File is the cleaned source path, e.g. "src/handler.ts".
	File string
	// Source is the source name exactly as it appears in the map.
	Source string
	Line   int
	Column int
	Name   string
}

// Map is one parsed sourcemap.
type Map struct {
	consumer *gosourcemap.Consumer
	contents map[string][]string
}

type rawMap struct {
	SourceRoot     string    `json:"sourceRoot"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent"`
}

// Parse parses a v3 sourcemap.
func Parse(a Artifact, b []byte) (*Map, error) {
	consumer, err := gosourcemap.Parse("", b)
	if err != nil {
		return nil, fmt.Errorf("parsing sourcemap %s: %w", a.Key, err)
	}

	var raw rawMap
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing sourcemap %s: %w", a.Key, err)
	}

	m := &Map{consumer: consumer, contents: make(map[string][]string)}
	for i, src := range raw.Sources {
		if i >= len(raw.SourcesContent) || raw.SourcesContent[i] == nil {
			continue
		}
		lines := strings.Split(*raw.SourcesContent[i], "\n")
		m.contents[src] = lines
		if raw.SourceRoot != "" {
			m.contents[raw.SourceRoot+src] = lines
			m.contents[path.Join(raw.SourceRoot, src)] = lines
		}
	}
	return m, nil
}

// Source maps a compiled position to its original. line and column are both
// 1-based; the returned position uses the same convention.
func (m *Map) Source(line, column int) (Position, bool) {
	if line < 1 || column < 1 {
		return Position{}, false
	}
	src, name, origLine, origCol, ok := m.consumer.Source(line, column-1)
	if !ok || src == "" {
		return Position{}, false
	}
	return Position{
		File:   CleanSource(src),
		Source: src,
		Line:   origLine,
		Column: origCol + 1,
		Name:   name,
	}, true
}

// Context returns up to seven lines around pos: three above, the line itself
// and three below, clipped at the file edges. It is nil when the map carries no
// content for the source.
func (m *Map) Context(pos Position) []string {
	lines := m.content(pos.Source)
	if lines == nil || pos.Line < 1 || pos.Line > len(lines) {
		return nil
	}
	idx := pos.Line - 1
	start := max(0, idx-contextRadius)
	end := min(len(lines), idx+contextRadius+1)

	out := make([]string, end-start)
	copy(out, lines[start:end])
	return out
}

func (m *Map) content(source string) []string {
	if lines, ok := m.contents[source]; ok {
		return lines
	}
	var (
		best    []string
		bestLen int
	)
	for name, lines := range m.contents {
		if (strings.HasSuffix(source, name) || strings.HasSuffix(name, source)) && len(name) > bestLen {
			best, bestLen = lines, len(name)
		}
	}
	return best
}

// CleanSource turns a sourcemap source name into a repository-relative path:
// bundler URL schemes and leading "./" or "../" segments are dropped.
func CleanSource(src string) string {
	if scheme, rest, ok := strings.Cut(src, "://"); ok {
		switch {
		case scheme == "file":
			src = rest
		case strings.HasPrefix(rest, "/"):
			src = rest[1:]
		default:
			// webpack://<namespace>/path
			_, src, _ = strings.Cut(rest, "/")
		}
	}
	src = path.Clean(src)
	for strings.HasPrefix(src, "../") {
		src = src[3:]
	}
	return strings.TrimPrefix(src, "./")
}
