package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is an incoming ledger record before normalization.
// Field shapes are validated by the normalizer; see internal/normalize.
type RawRecord struct {
	CompanyCode  string `json:"company_code" validate:"required,alphanum,min=2,max=12"`
	Timestamp    string `json:"timestamp" validate:"required"`
	Amount       string `json:"amount" validate:"required"`
	CurrencyCode string `json:"currency_code" validate:"required,alpha,len=3"`
	Direction    string `json:"direction,omitempty" validate:"omitempty,oneof=debit credit DEBIT CREDIT"`
}

// Transaction is the immutable internal ledger record.
// ID is assigned once at normalization time and never reused.
type Transaction struct {
	ID           string          `json:"id"`
	CompanyCode  string          `json:"company_code"`
	Timestamp    time.Time       `json:"timestamp"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
}

// Period is a half-open [From, To) query window.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}

// PartitionInfo describes one [Lower, Upper) range of the partitioned store.
type PartitionInfo struct {
	Lower   time.Time `json:"lower"`
	Upper   time.Time `json:"upper"`
	Records int       `json:"records"`
}

// AggregateResult is the deterministic fold over a company's transactions
// within a period.
type AggregateResult struct {
	CompanyCode string                     `json:"company_code"`
	Period      Period                     `json:"period"`
	Count       int                        `json:"count"`
	Net         decimal.Decimal            `json:"net"`
	Debits      decimal.Decimal            `json:"debits"`
	Credits     decimal.Decimal            `json:"credits"`
	ByCurrency  map[string]decimal.Decimal `json:"by_currency"`
	ComputedAt  time.Time                  `json:"computed_at"`
}

// Delta is one incremental update pushed to subscribers of a company topic.
type Delta struct {
	CompanyCode string      `json:"company_code"`
	Transaction Transaction `json:"transaction"`
	CommitSeq   uint64      `json:"commit_seq"`
}
