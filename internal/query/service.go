package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"LedgerFlow/internal/cache"
	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Service answers aggregate requests through a read-through cache.
// Concurrent misses for the same key are coalesced: at most one store
// query is in flight per key, later callers wait for its result.
type Service struct {
	store   drepo.Store
	cache   cache.Service
	metrics drepo.Metrics
	logger  *xlogger.Logger
	group   singleflight.Group
	now     func() time.Time
}

// New creates a query service over the given store and cache.
func New(store drepo.Store, c cache.Service, metrics drepo.Metrics, logger *xlogger.Logger) *Service {
	return &Service{
		store:   store,
		cache:   c,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Key builds the cache key for a company and period.
func Key(companyCode string, p models.Period) string {
	return companyCode + "|" + strconv.FormatInt(p.From.UnixNano(), 10) + "|" + strconv.FormatInt(p.To.UnixNano(), 10)
}

// Aggregate returns the aggregate for companyCode over period, consulting
// the cache first. Cache failures degrade to store reads; only when both
// the store and the cache fail does the call report ErrQueryUnavailable.
func (s *Service) Aggregate(ctx context.Context, companyCode string, period models.Period) (models.AggregateResult, error) {
	key := Key(companyCode, period)

	var cached models.AggregateResult
	cacheErr := s.cache.Get(ctx, key, &cached)
	switch {
	case cacheErr == nil:
		s.metrics.RecordCacheHit(true)
		return cached, nil
	case errors.Is(cacheErr, cache.ErrCacheMiss):
		s.metrics.RecordCacheHit(false)
	default:
		// Backend failure: degrade to a miss, never to a wrong answer.
		s.metrics.RecordError("cache_unavailable")
		s.logger.Warn("cache unavailable, falling through to store", xlogger.Error(cacheErr))
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		txns, qerr := s.store.Query(ctx, companyCode, period.From, period.To)
		if qerr != nil {
			return nil, qerr
		}
		agg := Fold(companyCode, period, txns, s.now())
		if serr := s.cache.Set(ctx, key, agg); serr != nil {
			s.metrics.RecordError("cache_set")
			s.logger.Warn("cache populate failed", xlogger.Error(serr))
		}
		return agg, nil
	})
	if err != nil {
		if cacheErr != nil && !errors.Is(cacheErr, cache.ErrCacheMiss) {
			return models.AggregateResult{}, fmt.Errorf("%w: %v", domain.ErrQueryUnavailable, err)
		}
		return models.AggregateResult{}, fmt.Errorf("aggregate %s: %w", companyCode, err)
	}

	return v.(models.AggregateResult), nil
}

// InvalidateCompany removes every cached aggregate for a company. The
// ingestion buffer calls this after each committed batch.
func (s *Service) InvalidateCompany(ctx context.Context, companyCode string) error {
	if err := s.cache.DeletePrefix(ctx, companyCode+"|"); err != nil {
		s.metrics.RecordError("cache_invalidate")
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Fold is the deterministic aggregation over an ordered transaction
// sequence: counts, debit/credit totals, net, and per-currency nets.
func Fold(companyCode string, period models.Period, txns []models.Transaction, computedAt time.Time) models.AggregateResult {
	agg := models.AggregateResult{
		CompanyCode: companyCode,
		Period:      period,
		Net:         decimal.Zero,
		Debits:      decimal.Zero,
		Credits:     decimal.Zero,
		ByCurrency:  make(map[string]decimal.Decimal),
		ComputedAt:  computedAt,
	}

	for _, txn := range txns {
		agg.Count++
		agg.Net = agg.Net.Add(txn.Amount)
		if txn.Amount.Sign() >= 0 {
			agg.Debits = agg.Debits.Add(txn.Amount)
		} else {
			agg.Credits = agg.Credits.Add(txn.Amount)
		}
		cur := agg.ByCurrency[txn.CurrencyCode]
		agg.ByCurrency[txn.CurrencyCode] = cur.Add(txn.Amount)
	}

	return agg
}

// Currencies lists the currencies present in an aggregate, sorted, for
// stable presentation.
func Currencies(agg models.AggregateResult) []string {
	out := make([]string, 0, len(agg.ByCurrency))
	for cur := range agg.ByCurrency {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}
