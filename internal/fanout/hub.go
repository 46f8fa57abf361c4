package fanout

import (
	"context"
	"fmt"
	"sync"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	xlogger "LedgerFlow/pkg/logger"
)

// SnapshotFunc produces the current aggregate for a company, delivered to
// new subscribers before any delta.
type SnapshotFunc func(ctx context.Context, companyCode string) (models.AggregateResult, error)

// EventKind discriminates messages on a subscription channel.
type EventKind string

const (
	KindSnapshot EventKind = "snapshot"
	KindDelta    EventKind = "delta"
)

// Event is one message delivered to a subscriber: first a snapshot, then
// deltas in commit order.
type Event struct {
	Kind     EventKind               `json:"kind"`
	Snapshot *models.AggregateResult `json:"snapshot,omitempty"`
	Delta    *models.Delta           `json:"delta,omitempty"`
}

// Subscription is one subscriber's bounded delivery queue. The channel is
// closed on Unsubscribe or overflow drop; Err distinguishes the two.
type Subscription struct {
	id          uint64
	companyCode string
	ch          chan Event

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// CompanyCode returns the subscribed topic.
func (s *Subscription) CompanyCode() string { return s.companyCode }

// Err reports why the subscription ended; ErrSubscriberOverflow after an
// overflow drop, nil after a clean unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type topic struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
	seq  uint64 // commit-ordered delta sequence for this company
}

// Hub maintains per-company subscriber sets and pushes committed deltas.
// Slow subscribers never block delivery to others: each has its own
// bounded queue and is dropped on overflow.
type Hub struct {
	mu       sync.Mutex
	topics   map[string]*topic
	nextID   uint64
	snapshot SnapshotFunc

	queueSize int
	metrics   drepo.Metrics
	logger    *xlogger.Logger
}

type Option func(*Hub)

// WithQueueSize sets each subscriber's bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// New creates a Hub. snapshot is consulted once per new subscriber.
func New(snapshot SnapshotFunc, metrics drepo.Metrics, logger *xlogger.Logger, opts ...Option) *Hub {
	h := &Hub{
		topics:    make(map[string]*topic),
		snapshot:  snapshot,
		queueSize: 256,
		metrics:   metrics,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber for a company and delivers the current
// aggregate as the first event. The topic lock is held across the
// snapshot so no delta can interleave between snapshot and registration.
func (h *Hub) Subscribe(ctx context.Context, companyCode string) (*Subscription, error) {
	h.mu.Lock()
	t, ok := h.topics[companyCode]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[companyCode] = t
	}
	h.nextID++
	sub := &Subscription{
		id:          h.nextID,
		companyCode: companyCode,
		ch:          make(chan Event, h.queueSize),
	}
	h.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := h.snapshot(ctx, companyCode)
	if err != nil {
		return nil, fmt.Errorf("subscribe snapshot %s: %w", companyCode, err)
	}
	sub.ch <- Event{Kind: KindSnapshot, Snapshot: &snap}
	t.subs[sub.id] = sub

	h.logger.Debug("subscriber joined", xlogger.String("company", companyCode))
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. Empty topics
// are cleaned up lazily.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	t, ok := h.topics[sub.companyCode]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if _, live := t.subs[sub.id]; live {
		delete(t.subs, sub.id)
		close(sub.ch)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		h.collect(sub.companyCode, t)
	}
}

// Notify pushes one delta per committed transaction, in commit order, to
// every subscriber of the company. A subscriber whose queue is full is
// dropped with ErrSubscriberOverflow rather than stalling the hub.
func (h *Hub) Notify(companyCode string, committed []models.Transaction) {
	h.mu.Lock()
	t, ok := h.topics[companyCode]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, txn := range committed {
		t.seq++
		event := Event{Kind: KindDelta, Delta: &models.Delta{
			CompanyCode: companyCode,
			Transaction: txn,
			CommitSeq:   t.seq,
		}}
		for id, sub := range t.subs {
			select {
			case sub.ch <- event:
			default:
				delete(t.subs, id)
				sub.fail(domain.ErrSubscriberOverflow)
				close(sub.ch)
				h.metrics.RecordSubscriberDropped(companyCode)
				h.logger.Warn("subscriber dropped on overflow",
					xlogger.String("company", companyCode),
					xlogger.Error(domain.ErrSubscriberOverflow),
				)
			}
		}
	}
}

// Subscribers reports the live subscriber count for a company.
func (h *Hub) Subscribers(companyCode string) int {
	h.mu.Lock()
	t, ok := h.topics[companyCode]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			close(sub.ch)
		}
		t.mu.Unlock()
	}
}

func (h *Hub) collect(companyCode string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 && h.topics[companyCode] == t {
		delete(h.topics, companyCode)
	}
}
