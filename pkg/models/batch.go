package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// LogLine is a single log event as delivered by the subscription transport.
type LogLine struct {
	// ID is the transport's event id. Optional.
	ID        string `json:"id,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Time returns the event timestamp as UTC time.
func (l LogLine) Time() time.Time {
	return time.UnixMilli(l.Timestamp).UTC()
}

// Fields splits the message on tabs and trims every field.
func (l LogLine) Fields() []string {
	parts := strings.Split(l.Message, "\t")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// LogBatch is an ordered group of log lines emitted by one function.
// Immutable once received; consumed once by the ingest processor.
type LogBatch struct {
	AccountID string    `json:"account_id"`
	Region    string    `json:"region"`
	App       string    `json:"app"`
	Stage     string    `json:"stage"`
	LogGroup  string    `json:"log_group"`
	LogStream string    `json:"log_stream"`
	Lines     []LogLine `json:"lines"`
}

// ArtifactKey identifies the deployed function build whose sourcemaps resolve
// this batch's stack frames. It is the function ARN derived from the log group
// (/aws/lambda/<function>).
func (b LogBatch) ArtifactKey() string {
	parts := strings.Split(b.LogGroup, "/")
	var name string
	if len(parts) > 3 {
		end := len(parts)
		if end > 5 {
			end = 5
		}
		name = strings.Join(parts[3:end], "/")
	}
	return "arn:aws:lambda:" + b.Region + ":" + b.AccountID + ":function:" + name
}

// ID returns a stable identity for the batch content. Redelivery of the same
// batch yields the same ID.
func (b LogBatch) ID() string {
	h := sha256.New()
	for _, s := range []string{b.AccountID, b.Region, b.App, b.Stage, b.LogGroup, b.LogStream} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	for _, l := range b.Lines {
		h.Write([]byte(l.ID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(l.Timestamp, 10)))
		h.Write([]byte{0})
		h.Write([]byte(l.Message))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
