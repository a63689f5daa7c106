// Package events publishes issue lifecycle signals to downstream alerting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehunter/internal/metrics"
)

// Subjects follow {domain}.{event}.
const (
	SubjectIssueDetected = "issues.detected"
	SubjectRateLimited   = "issues.rate_limited"
)

// IssueDetected announces that a group received new occurrences.
type IssueDetected struct {
	TenantID uuid.UUID `json:"tenant_id"`
	StageID  uuid.UUID `json:"stage_id"`
	Group    string    `json:"group"`
}

// RateLimited announces that a batch was rejected by the hourly budget.
type RateLimited struct {
	TenantID uuid.UUID `json:"tenant_id"`
	StageID  uuid.UUID `json:"stage_id"`
	LogGroup string    `json:"log_group"`
}

// Publisher sends raw payloads to a subject. Delivery is fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// PublishJSON marshals v and publishes it to subject, recording the outcome.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.Publish(ctx, subject, data); err != nil {
		metrics.EventsPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.EventsPublished.WithLabelValues(subject, "ok").Inc()
	return nil
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

var _ Publisher = NopPublisher{}

func (n NopPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if n.Logger != nil {
		n.Logger.Debug("event dropped, no broker configured", "subject", subject, "bytes", len(data))
	}
	return nil
}

func (NopPublisher) Close() error { return nil }
