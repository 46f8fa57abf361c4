package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LedgerFlow/internal/cache"
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

type fakeStore struct {
	queries int32
	delay   time.Duration
	txns    []models.Transaction
	err     error
}

func (f *fakeStore) Append(context.Context, []models.Transaction) (drepo.AppendResult, error) {
	return drepo.AppendResult{}, nil
}

func (f *fakeStore) Query(context.Context, string, time.Time, time.Time) ([]models.Transaction, error) {
	atomic.AddInt32(&f.queries, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.txns, nil
}

func (f *fakeStore) Ranges() []models.PartitionInfo { return nil }
func (f *fakeStore) Health(context.Context) error   { return nil }
func (f *fakeStore) Close() error                   { return nil }

// downCache simulates an unreachable backend: every operation fails with
// a non-miss error.
type downCache struct{}

var errBackendDown = errors.New("connection refused")

func (downCache) Get(context.Context, string, interface{}) error { return errBackendDown }
func (downCache) Set(context.Context, string, interface{}) error { return errBackendDown }
func (downCache) Delete(context.Context, ...string) error        { return errBackendDown }
func (downCache) DeletePrefix(context.Context, string) error     { return errBackendDown }
func (downCache) Close() error                                   { return nil }

var period = models.Period{
	From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
}

func sampleTxns() []models.Transaction {
	return []models.Transaction{
		{ID: "a", CompanyCode: "ACME", Timestamp: period.From.Add(time.Hour), Amount: decimal.RequireFromString("100.00"), CurrencyCode: "USD"},
		{ID: "b", CompanyCode: "ACME", Timestamp: period.From.Add(2 * time.Hour), Amount: decimal.RequireFromString("-50.00"), CurrencyCode: "USD"},
	}
}

func TestAggregateMissThenHit(t *testing.T) {
	store := &fakeStore{txns: sampleTxns()}
	mem := cache.NewMemory(time.Minute)
	defer mem.Close()
	svc := New(store, mem, nopMetrics{}, xlogger.Nop())

	first, err := svc.Aggregate(context.Background(), "ACME", period)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if first.Count != 2 {
		t.Fatalf("expected 2 transactions, got %d", first.Count)
	}

	second, err := svc.Aggregate(context.Background(), "ACME", period)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if n := atomic.LoadInt32(&store.queries); n != 1 {
		t.Fatalf("expected 1 store query, got %d", n)
	}
	if !second.Net.Equal(first.Net) {
		t.Fatalf("cached result differs: %s vs %s", second.Net, first.Net)
	}
}

func TestAggregateFold(t *testing.T) {
	store := &fakeStore{txns: sampleTxns()}
	mem := cache.NewMemory(time.Minute)
	defer mem.Close()
	svc := New(store, mem, nopMetrics{}, xlogger.Nop())

	agg, err := svc.Aggregate(context.Background(), "ACME", period)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Count != 2 {
		t.Fatalf("count: %d", agg.Count)
	}
	if !agg.Net.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("net: %s", agg.Net)
	}
	if !agg.Debits.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("debits: %s", agg.Debits)
	}
	if !agg.Credits.Equal(decimal.RequireFromString("-50.00")) {
		t.Fatalf("credits: %s", agg.Credits)
	}
	if !agg.ByCurrency["USD"].Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("by currency: %s", agg.ByCurrency["USD"])
	}
}

func TestAggregateCoalescesConcurrentMisses(t *testing.T) {
	store := &fakeStore{txns: sampleTxns(), delay: 50 * time.Millisecond}
	mem := cache.NewMemory(time.Minute)
	defer mem.Close()
	svc := New(store, mem, nopMetrics{}, xlogger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Aggregate(context.Background(), "ACME", period); err != nil {
				t.Errorf("aggregate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&store.queries); n != 1 {
		t.Fatalf("expected 1 coalesced store query, got %d", n)
	}
}

func TestInvalidateCompanyForcesRecompute(t *testing.T) {
	store := &fakeStore{txns: sampleTxns()}
	mem := cache.NewMemory(time.Minute)
	defer mem.Close()
	svc := New(store, mem, nopMetrics{}, xlogger.Nop())

	if _, err := svc.Aggregate(context.Background(), "ACME", period); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if err := svc.InvalidateCompany(context.Background(), "ACME"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := svc.Aggregate(context.Background(), "ACME", period); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if n := atomic.LoadInt32(&store.queries); n != 2 {
		t.Fatalf("expected recompute after invalidation, got %d queries", n)
	}
}

func TestCacheOutageDegradesToStore(t *testing.T) {
	store := &fakeStore{txns: sampleTxns()}
	svc := New(store, downCache{}, nopMetrics{}, xlogger.Nop())

	agg, err := svc.Aggregate(context.Background(), "ACME", period)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if agg.Count != 2 {
		t.Fatalf("unexpected count: %d", agg.Count)
	}
}

func TestStoreAndCacheDownIsQueryUnavailable(t *testing.T) {
	store := &fakeStore{err: domain.ErrStorageUnavailable}
	svc := New(store, downCache{}, nopMetrics{}, xlogger.Nop())

	_, err := svc.Aggregate(context.Background(), "ACME", period)
	if !errors.Is(err, domain.ErrQueryUnavailable) {
		t.Fatalf("expected ErrQueryUnavailable, got %v", err)
	}
}

func TestCurrenciesSorted(t *testing.T) {
	agg := models.AggregateResult{ByCurrency: map[string]decimal.Decimal{
		"USD": decimal.Zero, "EUR": decimal.Zero, "JPY": decimal.Zero,
	}}
	got := Currencies(agg)
	want := []string{"EUR", "JPY", "USD"}
	if len(got) != len(want) {
		t.Fatalf("unexpected currencies: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
