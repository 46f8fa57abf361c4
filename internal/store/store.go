package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"
)

// PartitionedStore is the durable system of record: contiguous,
// non-overlapping time ranges, each backed by an append-only segment log.
// Ranges are created lazily in increasing time order and never split or
// merged. The active set is mutated only under the write lock; reads
// share the read lock.
type PartitionedStore struct {
	mu       sync.RWMutex
	dir      string
	width    time.Duration
	segments []*segment // sorted by lower bound
	ids      map[string]struct{}
	logger   *xlogger.Logger
	metrics  drepo.Metrics
}

type Option func(*PartitionedStore)

// WithPartitionWidth sets the width of lazily created ranges.
func WithPartitionWidth(d time.Duration) Option {
	return func(s *PartitionedStore) {
		if d > 0 {
			s.width = d
		}
	}
}

// WithSeedBoundaries pre-creates ranges between consecutive boundaries.
func WithSeedBoundaries(bounds []time.Time) Option {
	return func(s *PartitionedStore) {
		for i := 0; i+1 < len(bounds); i++ {
			if !bounds[i].Before(bounds[i+1]) || s.covered(bounds[i]) {
				continue
			}
			if seg, err := openSegment(s.dir, bounds[i].UTC(), bounds[i+1].UTC()); err == nil {
				s.insertSegment(seg)
			}
		}
	}
}

// Open loads or creates a partitioned store rooted at dir. Existing
// segment logs are replayed to rebuild ranges, records, and the id
// dedup set.
func Open(dir string, logger *xlogger.Logger, metrics drepo.Metrics, opts ...Option) (*PartitionedStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}

	s := &PartitionedStore{
		dir:     dir,
		width:   time.Hour,
		ids:     make(map[string]struct{}),
		logger:  logger,
		metrics: metrics,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

var segmentNameRe = regexp.MustCompile(`^segment-(-?\d+)-(-?\d+)\.log$`)

func (s *PartitionedStore) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan store dir: %w", err)
	}

	for _, entry := range entries {
		m := segmentNameRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		lowerNs, _ := strconv.ParseInt(m[1], 10, 64)
		upperNs, _ := strconv.ParseInt(m[2], 10, 64)
		seg, err := s.replaySegment(entry.Name(), time.Unix(0, lowerNs).UTC(), time.Unix(0, upperNs).UTC())
		if err != nil {
			return err
		}
		s.insertSegment(seg)
	}

	s.logger.Info("store recovered",
		xlogger.Int("partitions", len(s.segments)),
		xlogger.Int("records", len(s.ids)),
	)
	return nil
}

func (s *PartitionedStore) replaySegment(name string, lower, upper time.Time) (*segment, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}

	// intact tracks the byte offset after the last cleanly decoded line.
	// Everything past it is a torn tail from a crash mid-write and is cut
	// off below, otherwise later appends would land behind unreadable
	// bytes and be skipped by every subsequent replay.
	seg := &segment{lower: lower, upper: upper}
	reader := bufio.NewReaderSize(f, 64*1024)
	var intact int64
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			f.Close()
			return nil, fmt.Errorf("replay segment %s: %w", name, rerr)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var txn models.Transaction
			// A line missing its newline was never fully written; the
			// record was not acknowledged.
			if json.Unmarshal(trimmed, &txn) != nil || rerr != nil {
				s.logger.Warn("segment replay stopped at torn record", xlogger.String("segment", name))
				break
			}
			// Duplicate lines can exist after a failed batch was retried;
			// the id set keeps exactly one copy.
			if _, dup := s.ids[txn.ID]; !dup {
				s.ids[txn.ID] = struct{}{}
				seg.absorb(txn)
			}
		}
		if rerr != nil {
			break
		}
		intact += int64(len(line))
	}
	f.Close()

	if err := os.Truncate(path, intact); err != nil {
		return nil, fmt.Errorf("truncate segment %s: %w", name, err)
	}

	seg.file, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen segment %s: %w", name, err)
	}
	return seg, nil
}

func (s *PartitionedStore) covered(ts time.Time) bool {
	for _, seg := range s.segments {
		if seg.contains(ts) {
			return true
		}
	}
	return false
}

func (s *PartitionedStore) insertSegment(seg *segment) {
	pos := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].lower.After(seg.lower)
	})
	s.segments = append(s.segments, nil)
	copy(s.segments[pos+1:], s.segments[pos:])
	s.segments[pos] = seg
}

// route finds the range containing ts, creating one lazily when the
// timestamp falls outside the current scheme. New ranges are aligned to
// the partition width and clamped against their neighbors so the scheme
// stays non-overlapping.
func (s *PartitionedStore) route(ts time.Time) (*segment, error) {
	pos := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].upper.After(ts)
	})
	if pos < len(s.segments) && s.segments[pos].contains(ts) {
		return s.segments[pos], nil
	}

	lower := ts.Truncate(s.width).UTC()
	upper := lower.Add(s.width)
	if pos > 0 && lower.Before(s.segments[pos-1].upper) {
		lower = s.segments[pos-1].upper
	}
	if pos < len(s.segments) && upper.After(s.segments[pos].lower) {
		upper = s.segments[pos].lower
	}

	seg, err := openSegment(s.dir, lower, upper)
	if err != nil {
		return nil, err
	}
	s.insertSegment(seg)
	s.logger.Info("partition created",
		xlogger.Time("lower", lower),
		xlogger.Time("upper", upper),
	)
	return seg, nil
}

// Append durably commits a batch. Records whose id is already committed
// are skipped, so retrying a failed or ambiguous batch is idempotent.
// On any I/O failure the batch is reported as not committed; partially
// written lines are reconciled by dedup on retry and on recovery.
func (s *PartitionedStore) Append(ctx context.Context, batch []models.Transaction) (drepo.AppendResult, error) {
	var res drepo.AppendResult
	if len(batch) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		seg *segment
		txn models.Transaction
	}
	var (
		writes  []staged
		touched = make(map[*segment]struct{})
	)

	for _, txn := range batch {
		if _, dup := s.ids[txn.ID]; dup {
			res.Deduplicated++
			continue
		}
		seg, err := s.route(txn.Timestamp)
		if err != nil {
			s.metrics.RecordError("store_route")
			return drepo.AppendResult{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		line, err := json.Marshal(txn)
		if err != nil {
			s.metrics.RecordError("store_encode")
			return drepo.AppendResult{}, fmt.Errorf("%w: encode: %v", domain.ErrStorageUnavailable, err)
		}
		if _, err := seg.file.Write(append(line, '\n')); err != nil {
			s.metrics.RecordError("store_write")
			return drepo.AppendResult{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		writes = append(writes, staged{seg: seg, txn: txn})
		touched[seg] = struct{}{}
	}

	// Durability barrier: every touched segment is synced before any
	// record becomes visible or its id is marked committed.
	for seg := range touched {
		if err := seg.file.Sync(); err != nil {
			s.metrics.RecordError("store_sync")
			return drepo.AppendResult{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
	}

	for _, w := range writes {
		s.ids[w.txn.ID] = struct{}{}
		w.seg.absorb(w.txn)
		res.Appended++
	}

	s.metrics.RecordLatency("store_append", time.Since(start).Seconds())
	return res, nil
}

// Query returns companyCode's transactions with timestamps in [from, to)
// in ascending timestamp order, scanning only overlapping partitions.
func (s *PartitionedStore) Query(ctx context.Context, companyCode string, from, to time.Time) ([]models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	for _, seg := range s.segments {
		if !seg.overlaps(from, to) {
			continue
		}
		out = seg.scan(companyCode, from, to, out)
	}

	s.metrics.RecordLatency("store_query", time.Since(start).Seconds())
	return out, nil
}

// Ranges reports the current partition scheme.
func (s *PartitionedStore) Ranges() []models.PartitionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]models.PartitionInfo, len(s.segments))
	for i, seg := range s.segments {
		infos[i] = models.PartitionInfo{Lower: seg.lower, Upper: seg.upper, Records: len(seg.records)}
	}
	return infos
}

// Health verifies the store directory is reachable.
func (s *PartitionedStore) Health(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes all segment files.
func (s *PartitionedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
