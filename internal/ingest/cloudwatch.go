package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// CloudWatch subscription message types.
const (
	MessageData    = "DATA_MESSAGE"
	MessageControl = "CONTROL_MESSAGE"
)

const filterPrefix = "sst"

var (
	// ErrControlMessage marks a delivery that carries no log events.
	ErrControlMessage = errors.New("control message")
	// ErrUnknownFilter marks a subscription filter this service did not install.
	ErrUnknownFilter = errors.New("unrecognized subscription filter")
)

// maxDecodedRecord bounds a single decompressed record.
const maxDecodedRecord = 32 << 20

// SubscriptionMessage is the payload CloudWatch Logs delivers to a
// subscription destination.
type SubscriptionMessage struct {
	MessageType         string     `json:"messageType"`
	Owner               string     `json:"owner"`
	LogGroup            string     `json:"logGroup"`
	LogStream           string     `json:"logStream"`
	SubscriptionFilters []string   `json:"subscriptionFilters"`
	LogEvents           []LogEvent `json:"logEvents"`
}

// LogEvent is one event in a SubscriptionMessage.
type LogEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Filter is a parsed subscription filter name, sst#<region>#<account>#<app>#<stage>.
type Filter struct {
	Region    string
	AccountID string
	App       string
	Stage     string
}

// ParseFilter parses a subscription filter name.
func ParseFilter(name string) (Filter, error) {
	parts := strings.Split(name, "#")
	if len(parts) != 5 || parts[0] != filterPrefix {
		return Filter{}, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Filter{}, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
		}
	}
	return Filter{Region: parts[1], AccountID: parts[2], App: parts[3], Stage: parts[4]}, nil
}

// DecodeRecord decodes one delivery stream record: base64 of a gzipped (or
// plain) JSON subscription message.
func DecodeRecord(data string) (SubscriptionMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return SubscriptionMessage{}, fmt.Errorf("decode base64: %w", err)
	}
	return DecodeMessage(raw)
}

// DecodeMessage decodes a subscription message, gunzipping it when needed.
func DecodeMessage(raw []byte) (SubscriptionMessage, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return SubscriptionMessage{}, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(io.LimitReader(zr, maxDecodedRecord))
		if err != nil {
			return SubscriptionMessage{}, fmt.Errorf("gunzip: %w", err)
		}
	}

	var msg SubscriptionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SubscriptionMessage{}, fmt.Errorf("decode subscription message: %w", err)
	}
	return msg, nil
}

// Batch converts a data message into a LogBatch. Control messages and
// messages from foreign filters are rejected with ErrControlMessage and
// ErrUnknownFilter.
func (m SubscriptionMessage) Batch() (models.LogBatch, error) {
	if m.MessageType != MessageData {
		return models.LogBatch{}, ErrControlMessage
	}
	if len(m.SubscriptionFilters) == 0 {
		return models.LogBatch{}, fmt.Errorf("%w: none", ErrUnknownFilter)
	}
	f, err := ParseFilter(m.SubscriptionFilters[0])
	if err != nil {
		return models.LogBatch{}, err
	}

	b := models.LogBatch{
		AccountID: f.AccountID,
		Region:    f.Region,
		App:       f.App,
		Stage:     f.Stage,
		LogGroup:  m.LogGroup,
		LogStream: m.LogStream,
		Lines:     make([]models.LogLine, len(m.LogEvents)),
	}
	for i, e := range m.LogEvents {
		b.Lines[i] = models.LogLine{ID: e.ID, Message: e.Message, Timestamp: e.Timestamp}
	}
	return b, nil
}
