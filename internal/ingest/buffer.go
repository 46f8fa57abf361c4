package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"
)

// Buffer micro-batches normalized transactions before committing them to
// the partitioned store. A flush fires on batch-size threshold or the
// flush interval, whichever comes first. Submit blocks when the buffer is
// full (backpressure). Failed batches are retried as a unit with backoff;
// the store dedups by id, so delivery is at-least-once and commit is
// effectively once.
type Buffer struct {
	store       drepo.Store
	invalidator drepo.Invalidator
	notifier    drepo.Notifier
	mirror      drepo.Mirror
	metrics     drepo.Metrics
	logger      *xlogger.Logger

	in       chan models.Transaction
	flushReq chan chan flushResult
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopMu   sync.RWMutex
	stopped  bool

	batchSize     int
	flushInterval time.Duration
	retryMax      int
	backoffMin    time.Duration
	backoffMax    time.Duration
}

type flushResult struct {
	committed int
	err       error
}

type Option func(*Buffer)

// WithBatchSize sets the flush threshold.
func WithBatchSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval sets the maximum wait before a partial batch flushes.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithBufferSize bounds the submit queue; full means Submit blocks.
func WithBufferSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.in = make(chan models.Transaction, n)
		}
	}
}

// WithRetry configures per-flush retry attempts and backoff range.
func WithRetry(max int, backoffMin, backoffMax time.Duration) Option {
	return func(b *Buffer) {
		b.retryMax = max
		b.backoffMin = backoffMin
		b.backoffMax = backoffMax
	}
}

// WithMirror attaches an analytical mirror for committed batches.
func WithMirror(m drepo.Mirror) Option {
	return func(b *Buffer) { b.mirror = m }
}

// New creates a Buffer. Start must be called before Submit.
func New(
	store drepo.Store,
	invalidator drepo.Invalidator,
	notifier drepo.Notifier,
	metrics drepo.Metrics,
	logger *xlogger.Logger,
	opts ...Option,
) *Buffer {
	b := &Buffer{
		store:         store,
		invalidator:   invalidator,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger,
		in:            make(chan models.Transaction, 4096),
		flushReq:      make(chan chan flushResult),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     500,
		flushInterval: 200 * time.Millisecond,
		retryMax:      5,
		backoffMin:    50 * time.Millisecond,
		backoffMax:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the batching loop.
func (b *Buffer) Start(ctx context.Context) {
	go b.run(ctx)
}

// Submit enqueues one transaction, blocking while the buffer is full.
// The stop lock makes acceptance atomic with respect to Stop: once Stop
// begins, Submit fails, and everything Submit accepted before that is
// already in the queue when the final drain runs.
func (b *Buffer) Submit(ctx context.Context, txn models.Transaction) error {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		return fmt.Errorf("ingest buffer stopped")
	}
	select {
	case b.in <- txn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces the pending batch out and reports how many transactions
// the store now holds from it (appended plus deduplicated).
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	reply := make(chan flushResult, 1)
	select {
	case b.flushReq <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, fmt.Errorf("ingest buffer stopped")
	}
	select {
	case res := <-reply:
		return res.committed, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop drains the queue, flushes the final batch, and waits for the loop
// to exit. Submitted batches always run to completion or failure.
func (b *Buffer) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	b.stopped = true
	b.stopMu.Unlock()
	b.stopOnce.Do(func() { close(b.stop) })
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for ingest buffer: %w", ctx.Err())
	}
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	var batch []models.Transaction
	for {
		select {
		case txn := <-b.in:
			batch = append(batch, txn)
			if len(batch) >= b.batchSize {
				batch = b.commit(ctx, batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				batch = b.commit(ctx, batch)
			}
		case reply := <-b.flushReq:
			batch = b.drain(batch)
			n := len(batch)
			var err error
			if n > 0 {
				remaining := b.commit(ctx, batch)
				if len(remaining) > 0 {
					n = 0
					err = domain.ErrStorageUnavailable
				}
				batch = remaining
			}
			reply <- flushResult{committed: n, err: err}
		case <-b.stop:
			// Drain until empty: a commit can take long enough for more
			// accepted records to land in the queue behind it.
			for {
				batch = b.drain(batch)
				if len(batch) == 0 {
					return
				}
				if batch = b.commit(ctx, batch); len(batch) > 0 {
					b.logger.Error("final flush failed, records lost to shutdown",
						xlogger.Int("count", len(batch)))
					return
				}
			}
		}
	}
}

// drain empties the submit queue into the pending batch without blocking.
func (b *Buffer) drain(batch []models.Transaction) []models.Transaction {
	for {
		select {
		case txn := <-b.in:
			batch = append(batch, txn)
		default:
			return batch
		}
	}
}

// commit appends the batch with bounded retries. On persistent storage
// failure the batch is kept and retried on the next trigger; it is never
// silently dropped. Returns the batch still pending (nil on success).
func (b *Buffer) commit(ctx context.Context, batch []models.Transaction) []models.Transaction {
	start := time.Now()

	var (
		res drepo.AppendResult
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = b.store.Append(ctx, batch)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStorageUnavailable) || attempt > b.retryMax {
			b.metrics.RecordError("batch_commit")
			b.logger.Error("batch commit failed, retrying on next trigger",
				xlogger.Int("size", len(batch)),
				xlogger.Int("attempts", attempt),
				xlogger.Error(err),
			)
			return batch
		}
		b.metrics.RecordAppendRetry()
		sleep := backoffWithJitter(b.backoffMin, b.backoffMax, attempt)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return batch
		}
	}

	b.metrics.RecordBatchCommitted(len(batch))
	b.metrics.RecordLatency("batch_commit", time.Since(start).Seconds())
	b.logger.Debug("batch committed",
		xlogger.Int("appended", res.Appended),
		xlogger.Int("deduplicated", res.Deduplicated),
	)

	b.afterCommit(ctx, batch)
	return nil
}

// afterCommit invalidates affected cache entries and notifies the hub,
// once per distinct company in batch order, with that company's
// transactions in commit order.
func (b *Buffer) afterCommit(ctx context.Context, batch []models.Transaction) {
	byCompany := make(map[string][]models.Transaction)
	var order []string
	for _, txn := range batch {
		if _, seen := byCompany[txn.CompanyCode]; !seen {
			order = append(order, txn.CompanyCode)
		}
		byCompany[txn.CompanyCode] = append(byCompany[txn.CompanyCode], txn)
	}

	for _, company := range order {
		if err := b.invalidator.InvalidateCompany(ctx, company); err != nil {
			// Stale entries age out of the sliding window; log and move on.
			b.logger.Warn("cache invalidation failed", xlogger.String("company", company), xlogger.Error(err))
		}
		b.notifier.Notify(company, byCompany[company])
	}

	if b.mirror != nil {
		mirrored := make([]models.Transaction, len(batch))
		copy(mirrored, batch)
		go func() {
			mctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := b.mirror.MirrorBatch(mctx, mirrored); err != nil {
				b.metrics.RecordError("mirror")
				b.logger.Warn("mirror batch failed", xlogger.Error(err))
			}
		}()
	}
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}
