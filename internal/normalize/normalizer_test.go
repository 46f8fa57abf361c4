package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
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

type captureSink struct {
	payloads []string
	reasons  []string
}

func (s *captureSink) Quarantine(_ context.Context, payload []byte, reason string) error {
	s.payloads = append(s.payloads, string(payload))
	s.reasons = append(s.reasons, reason)
	return nil
}

func validRecord() models.RawRecord {
	return models.RawRecord{
		CompanyCode:  "acme1",
		Timestamp:    "2024-03-01T12:00:00Z",
		Amount:       "100.50",
		CurrencyCode: "usd",
	}
}

func TestNormalizeCanonicalizes(t *testing.T) {
	n := New(xlogger.Nop(), nopMetrics{})

	txn, err := n.Normalize(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if txn.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if txn.CompanyCode != "ACME1" {
		t.Fatalf("company code not canonicalized: %s", txn.CompanyCode)
	}
	if txn.CurrencyCode != "USD" {
		t.Fatalf("currency code not canonicalized: %s", txn.CurrencyCode)
	}
	if txn.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp not UTC: %v", txn.Timestamp)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("100.50")) {
		t.Fatalf("unexpected amount: %s", txn.Amount)
	}
}

func TestNormalizeAssignsUniqueIDs(t *testing.T) {
	n := New(xlogger.Nop(), nopMetrics{})

	a, err := n.Normalize(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	b, err := n.Normalize(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %s twice", a.ID)
	}
}

func TestNormalizeCreditNegatesAmount(t *testing.T) {
	n := New(xlogger.Nop(), nopMetrics{})

	raw := validRecord()
	raw.Direction = "credit"
	raw.Amount = "50.00"

	txn, err := n.Normalize(context.Background(), raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("-50.00")) {
		t.Fatalf("credit not negated: %s", txn.Amount)
	}
}

func TestNormalizeRejections(t *testing.T) {
	n := New(xlogger.Nop(), nopMetrics{})

	cases := []struct {
		name   string
		mutate func(*models.RawRecord)
	}{
		{"missing company", func(r *models.RawRecord) { r.CompanyCode = "" }},
		{"company too short", func(r *models.RawRecord) { r.CompanyCode = "a" }},
		{"bad timestamp", func(r *models.RawRecord) { r.Timestamp = "yesterday" }},
		{"implausibly old", func(r *models.RawRecord) { r.Timestamp = "1997-01-01T00:00:00Z" }},
		{"far future", func(r *models.RawRecord) { r.Timestamp = time.Now().Add(48 * time.Hour).Format(time.RFC3339) }},
		{"non-decimal amount", func(r *models.RawRecord) { r.Amount = "ten" }},
		{"zero amount", func(r *models.RawRecord) { r.Amount = "0" }},
		{"negative amount", func(r *models.RawRecord) { r.Amount = "-5.00" }},
		{"unknown currency", func(r *models.RawRecord) { r.CurrencyCode = "XXX" }},
		{"bad direction", func(r *models.RawRecord) { r.Direction = "sideways" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRecord()
			tc.mutate(&raw)
			_, err := n.Normalize(context.Background(), raw)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !domain.IsMalformed(err) {
				t.Fatalf("expected malformed record error, got %v", err)
			}
		})
	}
}

func TestNormalizeQuarantinesRejects(t *testing.T) {
	sink := &captureSink{}
	n := New(xlogger.Nop(), nopMetrics{}, WithQuarantineSink(sink))

	raw := validRecord()
	raw.Amount = "not-a-number"
	if _, err := n.Normalize(context.Background(), raw); err == nil {
		t.Fatal("expected rejection")
	}

	if len(sink.payloads) != 1 {
		t.Fatalf("expected 1 quarantined payload, got %d", len(sink.payloads))
	}
	if sink.reasons[0] == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestNormalizeTransformHook(t *testing.T) {
	n := New(xlogger.Nop(), nopMetrics{}, WithTransform(func(txn models.Transaction) (models.Transaction, error) {
		txn.Amount = txn.Amount.Round(2)
		return txn, nil
	}))

	raw := validRecord()
	raw.Amount = "10.005"
	txn, err := n.Normalize(context.Background(), raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("10.01")) {
		t.Fatalf("transform not applied: %s", txn.Amount)
	}
}

func TestNormalizeTransformErrorQuarantines(t *testing.T) {
	sink := &captureSink{}
	n := New(xlogger.Nop(), nopMetrics{},
		WithQuarantineSink(sink),
		WithTransform(func(models.Transaction) (models.Transaction, error) {
			return models.Transaction{}, errors.New("policy says no")
		}),
	)

	_, err := n.Normalize(context.Background(), validRecord())
	if !domain.IsMalformed(err) {
		t.Fatalf("expected malformed record error, got %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("expected quarantined payload, got %d", len(sink.payloads))
	}
}
