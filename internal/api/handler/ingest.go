package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/issuehunter/internal/api/response"
	"github.com/kiranshivaraju/issuehunter/internal/ingest"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

const (
	maxIngestBody     = 8 << 20
	recordConcurrency = 8
)

// Ingester processes one decoded batch.
type Ingester interface {
	Process(ctx context.Context, batch models.LogBatch) (ingest.Outcome, error)
}

var _ Ingester = (*ingest.Processor)(nil)

type deliveryRequest struct {
	RequestID string           `json:"requestId"`
	Timestamp int64            `json:"timestamp"`
	Records   []deliveryRecord `json:"records"`
}

type deliveryRecord struct {
	Data string `json:"data"`
}

type deliveryResponse struct {
	RequestID    string `json:"requestId"`
	Timestamp    int64  `json:"timestamp"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// NewCloudWatchHandler returns an http.HandlerFunc for
// POST /api/v1/ingest/cloudwatch. The body is either a delivery stream request
// whose records carry encoded subscription messages, or one raw subscription
// message. Any failure that may succeed on redelivery answers 5xx so the
// sender retries; replays are no-ops.
func NewCloudWatchHandler(ing Ingester, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Body too large", nil)
			return
		}

		messages, requestID, err := decodeDelivery(body)
		if err != nil {
			logger.Warn("rejecting ingest request", "request_id", requestID, "error", err)
			response.Raw(w, http.StatusBadRequest, deliveryResponse{
				RequestID:    requestID,
				Timestamp:    time.Now().UnixMilli(),
				ErrorMessage: err.Error(),
			})
			return
		}

		g, ctx := errgroup.WithContext(r.Context())
		g.SetLimit(recordConcurrency)
		for _, msg := range messages {
			g.Go(func() error {
				return processMessage(ctx, ing, logger, msg)
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("ingest request failed", "request_id", requestID, "error", err)
			response.Raw(w, http.StatusServiceUnavailable, deliveryResponse{
				RequestID:    requestID,
				Timestamp:    time.Now().UnixMilli(),
				ErrorMessage: "processing failed, retry",
			})
			return
		}

		response.Raw(w, http.StatusOK, deliveryResponse{
			RequestID: requestID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// decodeDelivery returns the subscription messages carried by body.
func decodeDelivery(body []byte) ([]ingest.SubscriptionMessage, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] != '{' {
		msg, err := ingest.DecodeMessage(body)
		if err != nil {
			return nil, "", err
		}
		return []ingest.SubscriptionMessage{msg}, "", nil
	}

	var envelope struct {
		deliveryRequest
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", errors.New("invalid JSON body")
	}
	if envelope.MessageType != "" {
		msg, err := ingest.DecodeMessage(body)
		if err != nil {
			return nil, "", err
		}
		return []ingest.SubscriptionMessage{msg}, "", nil
	}

	messages := make([]ingest.SubscriptionMessage, 0, len(envelope.Records))
	for _, rec := range envelope.Records {
		msg, err := ingest.DecodeRecord(rec.Data)
		if err != nil {
			return nil, envelope.RequestID, err
		}
		messages = append(messages, msg)
	}
	return messages, envelope.RequestID, nil
}

func processMessage(ctx context.Context, ing Ingester, logger *slog.Logger, msg ingest.SubscriptionMessage) error {
	batch, err := msg.Batch()
	switch {
	case errors.Is(err, ingest.ErrControlMessage):
		return nil
	case err != nil:
		logger.Warn("skipping subscription message", "log_group", msg.LogGroup, "error", err)
		return nil
	}

	_, err = ing.Process(ctx, batch)
	var partial *multierror.Error
	if errors.As(err, &partial) {
		// the batch committed for every reachable tenant
		logger.Warn("batch skipped some tenants", "log_group", batch.LogGroup, "error", err)
		return nil
	}
	return err
}
