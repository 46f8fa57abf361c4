package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transform is an optional per-record hook applied after canonicalization.
// A transform error quarantines the record.
type Transform func(models.Transaction) (models.Transaction, error)

// Normalizer validates and canonicalizes raw records into Transactions.
// It assigns each accepted record a unique id, exactly once.
type Normalizer struct {
	validate   *validator.Validate
	transform  Transform
	quarantine drepo.Quarantine
	metrics    drepo.Metrics
	logger     *xlogger.Logger
	now        func() time.Time
}

type Option func(*Normalizer)

// WithTransform sets the per-record transformation hook.
func WithTransform(fn Transform) Option {
	return func(n *Normalizer) { n.transform = fn }
}

// WithQuarantineSink sets a sink for rejected payloads (e.g. a Kafka DLQ).
func WithQuarantineSink(q drepo.Quarantine) Option {
	return func(n *Normalizer) { n.quarantine = q }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer.
func New(logger *xlogger.Logger, metrics drepo.Metrics, opts ...Option) *Normalizer {
	n := &Normalizer{
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// earliestPlausible bounds timestamps from below; anything older is a
// feed defect, not a late arrival.
var earliestPlausible = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Normalize validates raw, canonicalizes codes, and assigns a unique id.
// Rejected records are quarantined and reported as *MalformedRecordError.
func (n *Normalizer) Normalize(ctx context.Context, raw models.RawRecord) (models.Transaction, error) {
	txn, err := n.build(raw)
	if err != nil {
		n.reject(ctx, raw, err)
		return models.Transaction{}, err
	}

	if n.transform != nil {
		txn, err = n.transform(txn)
		if err != nil {
			merr := domain.Malformed("", "transform: "+err.Error())
			n.reject(ctx, raw, merr)
			return models.Transaction{}, merr
		}
	}

	n.metrics.RecordNormalized(txn.CompanyCode)
	return txn, nil
}

func (n *Normalizer) build(raw models.RawRecord) (models.Transaction, error) {
	if err := n.validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		field, reason := "", err.Error()
		if ok := errors.As(err, &verrs); ok && len(verrs) > 0 {
			field = verrs[0].Field()
			reason = verrs[0].Tag()
		}
		return models.Transaction{}, domain.Malformed(field, reason)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return models.Transaction{}, domain.Malformed("timestamp", err.Error())
	}
	if ts.Before(earliestPlausible) || ts.After(n.now().Add(24*time.Hour)) {
		return models.Transaction{}, domain.Malformed("timestamp", "outside plausible range")
	}

	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return models.Transaction{}, domain.Malformed("amount", "not a decimal")
	}
	if amount.Sign() <= 0 {
		return models.Transaction{}, domain.Malformed("amount", "must be positive")
	}
	// Credits are stored with negated amounts; direction defaults to debit.
	if strings.EqualFold(raw.Direction, "credit") {
		amount = amount.Neg()
	}

	currency := strings.ToUpper(raw.CurrencyCode)
	if !knownCurrencies[currency] {
		return models.Transaction{}, domain.Malformed("currency_code", "unknown currency")
	}

	return models.Transaction{
		ID:           uuid.NewString(),
		CompanyCode:  strings.ToUpper(raw.CompanyCode),
		Timestamp:    ts.UTC(),
		Amount:       amount,
		CurrencyCode: currency,
	}, nil
}

func (n *Normalizer) reject(ctx context.Context, raw models.RawRecord, err error) {
	n.metrics.RecordQuarantined(reasonLabel(err))
	n.logger.Warn("record quarantined",
		xlogger.String("company", raw.CompanyCode),
		xlogger.Error(err),
	)
	if n.quarantine != nil {
		payload, merr := json.Marshal(raw)
		if merr != nil {
			return
		}
		if qerr := n.quarantine.Quarantine(ctx, payload, err.Error()); qerr != nil {
			n.logger.Error("quarantine sink failed", xlogger.Error(qerr))
		}
	}
}

func reasonLabel(err error) string {
	var me *domain.MalformedRecordError
	if errors.As(err, &me) && me.Field != "" {
		return me.Field
	}
	return "record"
}

var errInvalidTimestamp = errors.New("invalid timestamp format")

// parseTimestamp accepts RFC3339 with optional sub-second precision.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errInvalidTimestamp
}

var knownCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"CAD": true, "AUD": true, "NZD": true, "SEK": true, "NOK": true,
	"DKK": true, "PLN": true, "CZK": true, "HUF": true, "CNY": true,
	"HKD": true, "SGD": true, "KRW": true, "INR": true, "BRL": true,
	"MXN": true, "ZAR": true, "TRY": true, "AED": true, "UAH": true,
}
