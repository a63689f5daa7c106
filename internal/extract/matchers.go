package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

var (
	reRuntimeExit = regexp.MustCompile(`(?s)^RequestId:\s+\S+\s+Error:\s+(.+)$`)
	reTimeout     = regexp.MustCompile(`(?:^|\s)(Task timed out after [\d.]+ seconds)`)
	reNodeWarning = regexp.MustCompile(`^\(node:\d+\) (?:\[[^\]]*\] )?(?:DeprecationWarning|MaxListenersExceededWarning|ExperimentalWarning): `)
	reKind        = regexp.MustCompile(`^[A-Za-z_$][\w$.]*$`)
	reBracketKind = regexp.MustCompile(`^Error \[([^\[\]]+)\]$`)
)

// runtimeExitMatcher recognises the platform's report of a crashed runtime:
//
//	RequestId: 80925099-... Error: Runtime exited with error: signal: aborted (core dumped)
type runtimeExitMatcher struct{}

func (runtimeExitMatcher) Name() string { return "runtime_exit" }

func (runtimeExitMatcher) Match(line Line) Result {
	if line.Level != "" {
		return noMatch()
	}
	m := reRuntimeExit.FindStringSubmatch(line.Body)
	if m == nil {
		return noMatch()
	}
	return matched(models.ExtractedError{
		Kind:    KindRuntimeError,
		Message: strings.TrimSpace(m[1]),
		Stack:   []models.StackFrame{},
	})
}

// timeoutMatcher recognises platform-terminated invocations:
//
//	2023-09-12T00:55:20.974Z	662fa6b4-...	Task timed out after 120.12 seconds
type timeoutMatcher struct{}

func (timeoutMatcher) Name() string { return "timeout" }

func (timeoutMatcher) Match(line Line) Result {
	if line.Level != "" {
		return noMatch()
	}
	candidate := line.Body
	if len(line.Fields) >= 3 {
		candidate = strings.Join(line.Fields[2:], "\t")
	}
	m := reTimeout.FindStringSubmatch(candidate)
	if m == nil {
		return noMatch()
	}
	if len(line.Fields) >= 3 && !strings.HasPrefix(candidate, "Task timed out") {
		return noMatch()
	}
	return matched(models.ExtractedError{
		Kind:    KindTimeout,
		Message: m[1],
		Stack:   []models.StackFrame{},
	})
}

// runtimeJSONMatcher recognises error objects the runtime serialises as JSON,
// either after an "Invoke Error" / "Uncaught Exception" label or as the whole
// line (runtimes without a log prefix).
type runtimeJSONMatcher struct{}

func (runtimeJSONMatcher) Name() string { return "runtime_json" }

func (runtimeJSONMatcher) Match(line Line) Result {
	var payload string
	switch line.Level {
	case "ERROR":
		if len(line.Fields) < 5 {
			return noMatch()
		}
		payload = strings.TrimSpace(strings.Join(line.Fields[4:], "\t"))
	case "":
		payload = line.Body
	default:
		return noMatch()
	}
	if !strings.HasPrefix(payload, "{") {
		return noMatch()
	}

	var obj runtimeError
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return noMatch()
	}
	if reason, ok := obj.reason(); ok {
		obj = reason
	}
	if obj.ErrorType == "" && len(obj.ErrorMessage) == 0 {
		return noMatch()
	}

	kind := obj.ErrorType
	message := stripRequireStack(decodeMessage(obj.ErrorMessage))
	lines := obj.stackLines()
	if kind == "" && len(lines) > 0 {
		if k, msg, ok := splitKind(lines[0]); ok {
			kind = k
			if message == "" {
				message = msg
			}
		}
	}

	return matched(models.ExtractedError{
		Kind:    kind,
		Message: strings.TrimSpace(message),
		Stack:   framesFrom(lines),
	})
}

type runtimeError struct {
	ErrorType    string          `json:"errorType"`
	ErrorMessage json.RawMessage `json:"errorMessage"`
	Stack        json.RawMessage `json:"stack"`
	Trace        json.RawMessage `json:"trace"`
	Reason       json.RawMessage `json:"reason"`
}

// reason returns the nested error of an unhandled promise rejection.
func (r runtimeError) reason() (runtimeError, bool) {
	if len(r.Reason) == 0 {
		return runtimeError{}, false
	}
	var nested runtimeError
	if err := json.Unmarshal(r.Reason, &nested); err != nil || nested.ErrorType == "" {
		return runtimeError{}, false
	}
	return nested, true
}

func (r runtimeError) stackLines() []string {
	raw := r.Stack
	if len(raw) == 0 || string(raw) == "null" {
		raw = r.Trace
	}
	if len(raw) == 0 {
		return nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Split(s, "\n")
	}
	return nil
}

func decodeMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// inlineStackMatcher recognises an error printed with its stack:
//
//	DatabaseError: target: sst.-.primary ...
//	    at _Connection.execute (file:///var/task/push1.mjs:47211:13)
//	    at async file:///var/task/push1.mjs:69523:5 {
//	  status: 400
//	}
type inlineStackMatcher struct{}

func (inlineStackMatcher) Name() string { return "inline_stack" }

func (inlineStackMatcher) Match(line Line) Result {
	if line.Level != "" && line.Level != "ERROR" && line.Level != "FATAL" {
		return noMatch()
	}
	lines := strings.Split(line.Body, "\n")
	first := firstFrame(lines)
	if first < 1 {
		return noMatch()
	}

	kind, head, ok := splitKind(lines[0])
	if !ok {
		if line.Level == "" {
			return noMatch()
		}
		kind, head = "Error", strings.TrimSpace(lines[0])
	}

	msg := append([]string{head}, lines[1:first]...)
	message := stripRequireStack(strings.Join(msg, "\n"))

	var frames []string
	for _, l := range lines[first:] {
		t := strings.TrimSpace(l)
		if !strings.HasPrefix(t, "at ") {
			break
		}
		frames = append(frames, t)
	}

	return matched(models.ExtractedError{
		Kind:    kind,
		Message: strings.TrimSpace(message),
		Stack:   framesFrom(frames),
	})
}

// objectStackMatcher recognises an object dump carrying a stack array, as
// printed by structured loggers:
//
//	{
//	  status: 500,
//	  message: "Cannot read properties of undefined",
//	  stack: [
//	    "TypeError: Cannot read properties of undefined",
//	    'at Object.toJSON (file:///var/task/http.mjs:280853:35)',
//	  ]
//	}
type objectStackMatcher struct{}

func (objectStackMatcher) Name() string { return "object_stack" }

func (objectStackMatcher) Match(line Line) Result {
	if line.Level != "ERROR" && line.Level != "FATAL" {
		return noMatch()
	}
	if !strings.HasPrefix(line.Body, "{") {
		return noMatch()
	}

	lines := strings.Split(line.Body, "\n")
	var (
		elements []string
		message  string
		inStack  bool
	)
	for _, l := range lines {
		t := strings.TrimSpace(l)
		switch {
		case inStack && strings.HasPrefix(t, "]"):
			inStack = false
		case inStack:
			elements = append(elements, unquote(strings.TrimSuffix(t, ",")))
		case strings.HasPrefix(t, "stack: [") && elements == nil:
			inStack = true
		case strings.HasPrefix(t, "message: ") && message == "":
			message = unquote(strings.TrimSuffix(strings.TrimPrefix(t, "message: "), ","))
		}
	}
	if len(elements) == 0 {
		return noMatch()
	}

	kind := "Error"
	if k, msg, ok := splitKind(elements[0]); ok {
		kind = k
		if msg != "" {
			message = msg
		}
	}

	return matched(models.ExtractedError{
		Kind:    kind,
		Message: message,
		Stack:   framesFrom(elements),
	})
}

// consoleErrorMatcher recognises anything else logged at ERROR level without a
// stack: "Kind: message" when the prefix is an identifier, otherwise a generic
// Error carrying the whole text.
type consoleErrorMatcher struct{}

func (consoleErrorMatcher) Name() string { return "console_error" }

func (consoleErrorMatcher) Match(line Line) Result {
	if line.Level != "ERROR" && line.Level != "FATAL" {
		return noMatch()
	}
	if line.Body == "" {
		return noMatch()
	}
	first, _, _ := strings.Cut(line.Body, "\n")
	if kind, _, ok := splitKind(first); ok {
		_, rest, _ := strings.Cut(line.Body, ":")
		return matched(models.ExtractedError{
			Kind:    kind,
			Message: strings.TrimSpace(stripRequireStack(rest)),
			Stack:   []models.StackFrame{},
		})
	}
	return matched(models.ExtractedError{
		Kind:    "Error",
		Message: line.Body,
		Stack:   []models.StackFrame{},
	})
}

// plainErrorMatcher recognises a bare "SomethingError: message" line without a
// runtime prefix.
type plainErrorMatcher struct{}

func (plainErrorMatcher) Name() string { return "plain_error" }

func (plainErrorMatcher) Match(line Line) Result {
	if line.Level != "" {
		return noMatch()
	}
	first, _, _ := strings.Cut(line.Body, "\n")
	kind, msg, ok := splitKind(first)
	if !ok || !(strings.HasSuffix(kind, "Error") || strings.HasSuffix(kind, "Exception")) {
		return noMatch()
	}
	return matched(models.ExtractedError{
		Kind:    kind,
		Message: msg,
		Stack:   []models.StackFrame{},
	})
}

// splitKind splits "Kind: message" where Kind is an identifier, also accepting
// the "Error [CODE]: message" and "{ Error: message" spellings.
func splitKind(line string) (kind, message string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	kind = strings.TrimSpace(line[:idx])
	kind = strings.TrimPrefix(kind, "{ ")
	if m := reBracketKind.FindStringSubmatch(kind); m != nil {
		kind = m[1]
	}
	if !reKind.MatchString(kind) {
		return "", "", false
	}
	return kind, strings.TrimSpace(line[idx+1:]), true
}

// firstFrame returns the index of the first "at ..." line, or -1.
func firstFrame(lines []string) int {
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "at ") {
			return i
		}
	}
	return -1
}

// framesFrom keeps the "at ..." entries of a stack as raw frames.
func framesFrom(lines []string) []models.StackFrame {
	frames := []models.StackFrame{}
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if !strings.HasPrefix(t, "at ") {
			continue
		}
		t = strings.TrimSpace(strings.TrimSuffix(t, " {"))
		frames = append(frames, models.StackFrame{Raw: t})
	}
	return frames
}

// stripRequireStack drops Node's "Require stack:" listing from a message.
func stripRequireStack(msg string) string {
	lines := strings.Split(msg, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "Require stack:" {
			return strings.Join(lines[:i], "\n")
		}
	}
	return msg
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func isNodeWarning(body string) bool {
	return reNodeWarning.MatchString(body)
}
