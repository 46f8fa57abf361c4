package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"

	"github.com/shopspring/decimal"
)

type nopMetrics struct{}

func (nopMetrics) RecordNormalized(string)        {}
func (nopMetrics) RecordQuarantined(string)       {}
func (nopMetrics) RecordBatchCommitted(int)       {}
func (nopMetrics) RecordAppendRetry()             {}
func (nopMetrics) RecordCacheHit(bool)            {}
func (nopMetrics) RecordSubscriberDropped(string) {}
func (nopMetrics) RecordError(string)             {}
func (nopMetrics) RecordLatency(string, float64)  {}

type memStore struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	appended []models.Transaction
	failNext int
	failAll  bool
}

func newMemStore() *memStore {
	return &memStore{ids: make(map[string]struct{})}
}

func (s *memStore) Append(_ context.Context, batch []models.Transaction) (drepo.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		return drepo.AppendResult{}, fmt.Errorf("%w: disk full", domain.ErrStorageUnavailable)
	}

	var res drepo.AppendResult
	for _, txn := range batch {
		if _, dup := s.ids[txn.ID]; dup {
			res.Deduplicated++
			continue
		}
		s.ids[txn.ID] = struct{}{}
		s.appended = append(s.appended, txn)
		res.Appended++
	}
	return res, nil
}

func (s *memStore) Query(context.Context, string, time.Time, time.Time) ([]models.Transaction, error) {
	return nil, nil
}
func (s *memStore) Ranges() []models.PartitionInfo { return nil }
func (s *memStore) Health(context.Context) error   { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func (s *memStore) setFailAll(v bool) {
	s.mu.Lock()
	s.failAll = v
	s.mu.Unlock()
}

// recorder captures the invalidate/notify sequence after commits.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) InvalidateCompany(_ context.Context, companyCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "invalidate:"+companyCode)
	return nil
}

func (r *recorder) Notify(companyCode string, committed []models.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("notify:%s:%d", companyCode, len(committed)))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func testTxn(id, company string) models.Transaction {
	return models.Transaction{
		ID:           id,
		CompanyCode:  company,
		Timestamp:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Amount:       decimal.NewFromInt(1),
		CurrencyCode: "USD",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFlushOnBatchSize(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(2),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	if err := b.Submit(ctx, testTxn("a", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := b.Submit(ctx, testTxn("b", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return store.count() == 2 })
}

func TestFlushOnInterval(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(20*time.Millisecond),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	if err := b.Submit(ctx, testTxn("a", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return store.count() == 1 })
}

func TestManualFlush(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	for i := 0; i < 3; i++ {
		if err := b.Submit(ctx, testTxn(fmt.Sprintf("t%d", i), "ACME")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	n, err := b.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 committed, got %d", n)
	}
	if store.count() != 3 {
		t.Fatalf("store holds %d records", store.count())
	}
}

func TestCommitRetriesTransientFailure(t *testing.T) {
	store := newMemStore()
	store.failNext = 2
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
		WithRetry(5, time.Millisecond, 5*time.Millisecond),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	if err := b.Submit(ctx, testTxn("a", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := b.Flush(ctx)
	if err != nil {
		t.Fatalf("flush after transient failure: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 committed, got %d", n)
	}
}

func TestPersistentFailureKeepsBatch(t *testing.T) {
	store := newMemStore()
	store.setFailAll(true)
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
		WithRetry(1, time.Millisecond, 2*time.Millisecond),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	if err := b.Submit(ctx, testTxn("a", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := b.Flush(ctx); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}

	// The batch is retained, so once storage recovers the next flush
	// commits it without loss.
	store.setFailAll(false)
	n, err := b.Flush(ctx)
	if err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected retained record committed, got %d", n)
	}
}

func TestAfterCommitOrdering(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	for _, txn := range []models.Transaction{
		testTxn("1", "ACME"),
		testTxn("2", "GLOBEX"),
		testTxn("3", "ACME"),
	} {
		if err := b.Submit(ctx, txn); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []string{
		"invalidate:ACME",
		"notify:ACME:2",
		"invalidate:GLOBEX",
		"notify:GLOBEX:1",
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStopDrainsPendingBatch(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := b.Submit(ctx, testTxn(fmt.Sprintf("t%d", i), "ACME")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if store.count() != 3 {
		t.Fatalf("expected drained commit of 3, got %d", store.count())
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Submit(ctx, testTxn("late", "ACME")); err == nil {
		t.Fatal("submit after stop must fail, not silently accept")
	}
	if store.count() != 0 {
		t.Fatalf("no records were accepted, store holds %d", store.count())
	}
}

func TestAcceptedSubmitsSurviveConcurrentStop(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(5),
		WithFlushInterval(time.Minute),
	)
	ctx := context.Background()
	b.Start(ctx)

	// Hammer Submit while Stop races in; every submit that was accepted
	// (nil error) must end up committed.
	var accepted int32
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				id := fmt.Sprintf("g%d-%d", g, i)
				if err := b.Submit(ctx, testTxn(id, "ACME")); err != nil {
					return
				}
				atomic.AddInt32(&accepted, 1)
			}
		}(g)
	}

	time.Sleep(20 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	if n := int(atomic.LoadInt32(&accepted)); store.count() != n {
		t.Fatalf("%d submits accepted but %d committed", n, store.count())
	}
}

type countingMirror struct {
	mu      sync.Mutex
	batches int
	records int
}

func (m *countingMirror) MirrorBatch(_ context.Context, batch []models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	m.records += len(batch)
	return nil
}

func (m *countingMirror) Close() error { return nil }

func TestCommittedBatchesAreMirrored(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	mirror := &countingMirror{}
	b := New(store, rec, rec, nopMetrics{}, xlogger.Nop(),
		WithBatchSize(1000),
		WithFlushInterval(time.Minute),
		WithMirror(mirror),
	)
	ctx := context.Background()
	b.Start(ctx)
	defer b.Stop(ctx)

	if err := b.Submit(ctx, testTxn("a", "ACME")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return mirror.batches == 1 && mirror.records == 1
	})
}
