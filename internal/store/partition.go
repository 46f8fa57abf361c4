package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"LedgerFlow/internal/domain/models"
)

// segment is one [lower, upper) partition range: an arrival-order append
// log on disk plus an in-memory mirror with a timestamp index.
type segment struct {
	lower time.Time
	upper time.Time
	file  *os.File

	records []models.Transaction // arrival order, mirrors the log
	byTime  []int                // indices into records, sorted by timestamp
}

func segmentPath(dir string, lower, upper time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%d-%d.log", lower.UnixNano(), upper.UnixNano()))
}

func openSegment(dir string, lower, upper time.Time) (*segment, error) {
	f, err := os.OpenFile(segmentPath(dir, lower, upper), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	return &segment{lower: lower, upper: upper, file: f}, nil
}

func (s *segment) contains(ts time.Time) bool {
	return !ts.Before(s.lower) && ts.Before(s.upper)
}

func (s *segment) overlaps(from, to time.Time) bool {
	return s.upper.After(from) && s.lower.Before(to)
}

// absorb adds a record to the in-memory mirror, keeping the timestamp
// index stable: equal timestamps stay in arrival order.
func (s *segment) absorb(txn models.Transaction) {
	idx := len(s.records)
	s.records = append(s.records, txn)

	pos := sort.Search(len(s.byTime), func(i int) bool {
		return s.records[s.byTime[i]].Timestamp.After(txn.Timestamp)
	})
	s.byTime = append(s.byTime, 0)
	copy(s.byTime[pos+1:], s.byTime[pos:])
	s.byTime[pos] = idx
}

// scan appends records for companyCode within [from, to) in ascending
// timestamp order.
func (s *segment) scan(companyCode string, from, to time.Time, out []models.Transaction) []models.Transaction {
	start := sort.Search(len(s.byTime), func(i int) bool {
		return !s.records[s.byTime[i]].Timestamp.Before(from)
	})
	for _, i := range s.byTime[start:] {
		rec := s.records[i]
		if !rec.Timestamp.Before(to) {
			break
		}
		if rec.CompanyCode == companyCode {
			out = append(out, rec)
		}
	}
	return out
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
