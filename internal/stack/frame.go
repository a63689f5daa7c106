package stack

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reCallFrame = regexp.MustCompile(`^at (?:async )?(.*?) \((.+):(\d+):(\d+)\)$`)
	reBareFrame = regexp.MustCompile(`^at (?:async )?(.+):(\d+):(\d+)$`)
)

// Compiled is a stack frame position in the deployed bundle.
type Compiled struct {
	Function string
	File     string
	Line     int
	Column   int
}

// ParseFrame parses a raw "at ..." frame. Frames without a file position, such
// as "at new Promise (<anonymous>)", are reported as not ok.
func ParseFrame(raw string) (Compiled, bool) {
	raw = strings.TrimSpace(raw)
	if m := reCallFrame.FindStringSubmatch(raw); m != nil {
		return compiled(m[1], m[2], m[3], m[4])
	}
	if m := reBareFrame.FindStringSubmatch(raw); m != nil {
		return compiled("", m[1], m[2], m[3])
	}
	return Compiled{}, false
}

func compiled(fn, file, line, col string) (Compiled, bool) {
	l, err := strconv.Atoi(line)
	if err != nil {
		return Compiled{}, false
	}
	c, err := strconv.Atoi(col)
	if err != nil {
		return Compiled{}, false
	}
	return Compiled{
		Function: strings.TrimPrefix(fn, "new "),
		File:     strings.TrimPrefix(file, "file://"),
		Line:     l,
		Column:   c,
	}, true
}

var runtimePrefixes = []string{"node:", "internal/", "/var/runtime/", "<anonymous>"}

var bundlerMarkers = []string{"node_modules/", "webpack/bootstrap", "webpack/runtime", "(webpack)", "esbuild:", "\x00"}

// IsUserSource reports whether a resolved source path belongs to the
// application rather than a dependency, the runtime or the bundler.
func IsUserSource(file string) bool {
	if file == "" {
		return false
	}
	for _, p := range runtimePrefixes {
		if strings.HasPrefix(file, p) {
			return false
		}
	}
	for _, m := range bundlerMarkers {
		if strings.Contains(file, m) {
			return false
		}
	}
	return true
}

// mappable reports whether a compiled file can belong to a published bundle.
func mappable(file string) bool {
	for _, p := range runtimePrefixes {
		if strings.HasPrefix(file, p) {
			return false
		}
	}
	return !strings.Contains(file, "node_modules/")
}
