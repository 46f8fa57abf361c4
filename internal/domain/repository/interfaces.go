package repository

import (
	"context"
	"time"

	"LedgerFlow/internal/domain/models"
)

// Store is the system of record: an append-only, range-partitioned log of
// transactions. Append confirms durability before returning.
type Store interface {
	Append(ctx context.Context, batch []models.Transaction) (AppendResult, error)
	Query(ctx context.Context, companyCode string, from, to time.Time) ([]models.Transaction, error)
	Ranges() []models.PartitionInfo
	Health(ctx context.Context) error
	Close() error
}

// AppendResult reports the outcome of a durable batch append.
type AppendResult struct {
	Appended     int // records newly written
	Deduplicated int // records skipped because their id was already committed
}

// Mirror replicates committed batches to a secondary analytical sink.
// Mirror failures must never affect the durable local log.
type Mirror interface {
	MirrorBatch(ctx context.Context, batch []models.Transaction) error
	Close() error
}

// Invalidator is the slice of the cache layer the ingestion buffer needs.
type Invalidator interface {
	InvalidateCompany(ctx context.Context, companyCode string) error
}

// Notifier is the slice of the fan-out hub the ingestion buffer needs.
// Transactions are passed in commit order for one company.
type Notifier interface {
	Notify(companyCode string, committed []models.Transaction)
}

// Quarantine receives raw payloads the normalizer rejected.
type Quarantine interface {
	Quarantine(ctx context.Context, payload []byte, reason string) error
}

// Metrics is the process-wide instrumentation surface.
type Metrics interface {
	RecordNormalized(companyCode string)
	RecordQuarantined(reason string)
	RecordBatchCommitted(size int)
	RecordAppendRetry()
	RecordCacheHit(hit bool)
	RecordSubscriberDropped(companyCode string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
