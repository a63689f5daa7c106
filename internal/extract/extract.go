// Package extract turns a single tab-split log line into a structured error.
//
// Lines are tried against an ordered list of matchers; the first one that
// recognises the line wins, so a line is never parsed twice under different
// shapes. Unrecognised lines are not errors and yield NoMatch.
package extract

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// Error kinds assigned to platform failures that carry no error object.
const (
	KindTimeout      = "LambdaTimeoutError"
	KindRuntimeError = "LambdaRuntimeError"
)

// Status tags a Result.
type Status int

const (
	NoMatch Status = iota
	Matched
)

func (s Status) String() string {
	if s == Matched {
		return "matched"
	}
	return "no_match"
}

// Result is the outcome of extracting one line.
type Result struct {
	Status  Status
	Error   models.ExtractedError
	Matcher string
}

func noMatch() Result { return Result{Status: NoMatch} }

func matched(err models.ExtractedError) Result {
	return Result{Status: Matched, Error: err}
}

// Line is a log line split into its runtime prefix and message body.
type Line struct {
	Fields []string
	// Level is the runtime log level (ERROR, INFO, ...) or "" when the line has
	// no runtime prefix.
	Level string
	// Body is the message text after the prefix, or the whole line.
	Body string
}

// Matcher recognises one error shape.
type Matcher interface {
	Name() string
	Match(line Line) Result
}

// Extractor evaluates matchers in priority order.
type Extractor struct {
	matchers []Matcher
	logger   *slog.Logger
}

// Default returns the extractor with the built-in matchers in priority order.
func Default() *Extractor {
	return New(slog.Default(),
		runtimeExitMatcher{},
		timeoutMatcher{},
		runtimeJSONMatcher{},
		inlineStackMatcher{},
		objectStackMatcher{},
		consoleErrorMatcher{},
		plainErrorMatcher{},
	)
}

// New returns an extractor running matchers in the given order.
func New(logger *slog.Logger, matchers ...Matcher) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{matchers: matchers, logger: logger}
}

// Extract runs the matchers over fields. It never panics; a matcher that
// panics on malformed input counts as NoMatch for that matcher.
func (e *Extractor) Extract(fields []string) Result {
	line := Split(fields)
	if isNodeWarning(line.Body) {
		return noMatch()
	}
	for _, m := range e.matchers {
		res := e.try(m, line)
		if res.Status != Matched {
			continue
		}
		if res.Error.Kind == "" || res.Error.Message == "" {
			e.logger.Debug("extracted error missing kind or message", "matcher", m.Name())
			return noMatch()
		}
		res.Matcher = m.Name()
		return res
	}
	return noMatch()
}

func (e *Extractor) try(m Matcher, line Line) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("matcher panicked", "matcher", m.Name(), "error", fmt.Sprint(r))
			res = noMatch()
		}
	}()
	return m.Match(line)
}

// LooksLikeError reports whether a line was emitted as an error by the runtime,
// whether or not any matcher can parse it.
func LooksLikeError(fields []string) bool {
	line := Split(fields)
	if isNodeWarning(line.Body) {
		return false
	}
	switch line.Level {
	case "ERROR", "FATAL":
		return line.Body != ""
	case "":
		return reRuntimeExit.MatchString(line.Body) ||
			reTimeout.MatchString(line.Body) ||
			firstFrame(strings.Split(line.Body, "\n")) > 0
	default:
		return false
	}
}

var levels = map[string]bool{
	"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true,
}

// Split separates the runtime prefix (timestamp, request id, level) from the
// message body.
func Split(fields []string) Line {
	line := Line{Fields: fields}
	if len(fields) >= 3 && levels[fields[2]] {
		line.Level = fields[2]
		line.Body = strings.TrimSpace(strings.Join(fields[3:], "\t"))
		return line
	}
	line.Body = strings.TrimSpace(strings.Join(fields, "\t"))
	return line
}
