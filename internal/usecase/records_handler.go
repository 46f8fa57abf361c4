package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	"LedgerFlow/internal/ingest"
	"LedgerFlow/internal/normalize"
	xlogger "LedgerFlow/pkg/logger"
)

// RecordsHandler consumes raw records from Kafka and feeds them through
// normalization into the ingestion buffer. Malformed records are already
// quarantined by the normalizer, so they are acked rather than retried.
type RecordsHandler struct {
	topic      string
	normalizer *normalize.Normalizer
	buffer     *ingest.Buffer
	logger     *xlogger.Logger
}

// NewRecordsHandler creates a handler for the raw-record topic.
func NewRecordsHandler(topic string, normalizer *normalize.Normalizer, buffer *ingest.Buffer, logger *xlogger.Logger) *RecordsHandler {
	return &RecordsHandler{
		topic:      topic,
		normalizer: normalizer,
		buffer:     buffer,
		logger:     logger,
	}
}

// Topic returns the topic this handler consumes.
func (h *RecordsHandler) Topic() string {
	return h.topic
}

// Handle processes one raw record payload.
func (h *RecordsHandler) Handle(ctx context.Context, payload []byte) error {
	var raw models.RawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.Warn("undecodable record payload", xlogger.Error(err))
		return nil
	}

	txn, err := h.normalizer.Normalize(ctx, raw)
	if err != nil {
		if domain.IsMalformed(err) {
			return nil
		}
		return fmt.Errorf("normalize record: %w", err)
	}

	if err := h.buffer.Submit(ctx, txn); err != nil {
		return fmt.Errorf("submit record: %w", err)
	}
	return nil
}
