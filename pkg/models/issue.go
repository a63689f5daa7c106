package models

import (
	"time"

	"github.com/google/uuid"
)

// Reserved HourlyCount groups.
const (
	GroupFailedToProcess = "failed-to-process"
	GroupRateLimited     = "rate-limited"
)

// MaxMessageBytes bounds the stored issue message.
const MaxMessageBytes = 32_768

// StackFrame is one frame of an error's stack trace. Raw holds the unparsed
// frame text; the remaining fields are filled once the frame is resolved.
type StackFrame struct {
	Raw       string   `json:"raw,omitempty"`
	File      string   `json:"file,omitempty"`
	Line      int      `json:"line,omitempty"`
	Column    int      `json:"column,omitempty"`
	Function  string   `json:"function,omitempty"`
	Context   []string `json:"context,omitempty"`
	Important bool     `json:"important,omitempty"`
}

// ExtractedError is the structured description of one error log line.
type ExtractedError struct {
	Kind    string       `json:"error"`
	Message string       `json:"message"`
	Stack   []StackFrame `json:"stack"`
}

// Pointer locates the log event an issue was last seen in.
type Pointer struct {
	LogGroup  string `json:"logGroup"`
	LogStream string `json:"logStream"`
	Timestamp int64  `json:"timestamp"`
}

// Actor records who resolved or ignored an issue.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Issue is the deduplicated aggregate of every error sharing a group within a
// tenant's stage.
type Issue struct {
	ID           uuid.UUID    `db:"id"            json:"id"`
	TenantID     uuid.UUID    `db:"tenant_id"     json:"tenant_id"`
	StageID      uuid.UUID    `db:"stage_id"      json:"stage_id"`
	Group        string       `db:"group"         json:"group"`
	Kind         string       `db:"error"         json:"error"`
	Message      string       `db:"message"       json:"message"`
	Stack        []StackFrame `db:"stack"         json:"stack"`
	Pointer      *Pointer     `db:"pointer"       json:"pointer,omitempty"`
	Count        int64        `db:"count"         json:"count"`
	TimeSeen     time.Time    `db:"time_seen"     json:"time_seen"`
	TimeResolved *time.Time   `db:"time_resolved" json:"time_resolved,omitempty"`
	Resolver     *Actor       `db:"resolver"      json:"resolver,omitempty"`
	TimeIgnored  *time.Time   `db:"time_ignored"  json:"time_ignored,omitempty"`
	Ignorer      *Actor       `db:"ignorer"       json:"ignorer,omitempty"`
	CreatedAt    time.Time    `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"    json:"updated_at"`
}

// HourlyCount is the number of events seen for a group in one hour bucket.
type HourlyCount struct {
	TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`
	StageID  uuid.UUID `db:"stage_id"  json:"stage_id"`
	Hour     time.Time `db:"hour"      json:"hour"`
	Group    string    `db:"group"     json:"group"`
	LogGroup string    `db:"log_group" json:"log_group"`
	Count    int64     `db:"count"     json:"count"`
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
