package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
)

// ClickHouseMirror replicates committed batches into a ClickHouse table
// for analytical queries. It is best-effort: failures are reported to the
// caller for logging but never roll back the durable local log.
type ClickHouseMirror struct {
	db    *sql.DB
	table string
}

// NewClickHouseMirror creates a ClickHouse-backed mirror.
func NewClickHouseMirror(db *sql.DB, table string) drepo.Mirror {
	return &ClickHouseMirror{db: db, table: table}
}

func (m *ClickHouseMirror) MirrorBatch(ctx context.Context, batch []models.Transaction) error {
	if len(batch) == 0 {
		return nil
	}

	const chunkSize = 2000
	for start := 0; start < len(batch); start += chunkSize {
		end := start + chunkSize
		if end > len(batch) {
			end = len(batch)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*5)
		for _, txn := range batch[start:end] {
			values = append(values, "(?, ?, ?, ?, ?)")
			args = append(args,
				txn.ID,
				txn.CompanyCode,
				txn.Timestamp,
				txn.Amount.String(),
				txn.CurrencyCode,
			)
		}
		q := fmt.Sprintf("INSERT INTO %s (id, company_code, ts, amount, currency_code) VALUES %s",
			m.table, strings.Join(values, ","))
		if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mirror batch: %w", err)
		}
	}
	return nil
}

func (m *ClickHouseMirror) Close() error {
	return nil // connection pool owned by pkg/clickhouse client
}
