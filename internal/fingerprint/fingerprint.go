// Package fingerprint derives the stable group key that collapses repeated
// occurrences of the same failure into one issue.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// KindTimeout is the error kind the extractor assigns to platform timeouts.
const KindTimeout = "LambdaTimeoutError"

// contextLine is the index of the matched line inside a frame's 7-line context.
const contextLine = 3

// Group computes the fingerprint of err. Timeouts group per deployed function
// (artifactKey); other errors group on the important frame when there is one,
// otherwise on the first frame.
func Group(err models.ExtractedError, artifactKey string) string {
	return Hash(Parts(err, artifactKey)...)
}

// Parts returns the ordered, untrimmed inputs Group hashes.
func Parts(err models.ExtractedError, artifactKey string) []string {
	if err.Kind == KindTimeout {
		return []string{err.Kind, artifactKey}
	}

	for _, frame := range err.Stack {
		if frame.Important {
			return []string{err.Kind, contextAt(frame), frame.File}
		}
	}

	if len(err.Stack) == 0 {
		return []string{err.Kind}
	}
	return []string{err.Kind, describe(err.Stack[0])}
}

// Hash trims every part, drops empty ones, joins them with newlines and
// returns the lowercase hex SHA-256 of the result.
func Hash(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(kept, "\n")))
	return fmt.Sprintf("%x", sum)
}

func describe(frame models.StackFrame) string {
	if frame.File != "" {
		if line := contextAt(frame); strings.TrimSpace(line) != "" {
			return line
		}
		return frame.File
	}
	return frame.Raw
}

// contextAt returns the frame's own source line from its context window. The
// window is clipped at the top of the file, so the matched line sits at
// min(3, line-1).
func contextAt(frame models.StackFrame) string {
	idx := contextLine
	if frame.Line > 0 && frame.Line-1 < idx {
		idx = frame.Line - 1
	}
	if idx < len(frame.Context) {
		return frame.Context[idx]
	}
	return ""
}
