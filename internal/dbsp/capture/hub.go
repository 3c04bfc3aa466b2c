package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

var (
	// ErrEmpty is returned by TryRecv when no batch is ready.
	ErrEmpty = errors.New("no batch available")
	// ErrClosed is returned by TryRecv once the hub is closed and every
	// retained batch has been received.
	ErrClosed = errors.New("feed closed")
)

// LaggedError tells a subscriber it fell behind and Skipped batches were
// overwritten before it could read them. The subscription continues with
// the oldest retained batch.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d batches skipped", e.Skipped)
}

// RawBatch is the unit a producer publishes for one table: the changes of
// one transaction. A batch without changes is a heartbeat: the transaction
// did not touch the table, but the table has progressed to XID.
type RawBatch struct {
	Table   string
	XID     uint64
	Changes []types.RawChange
}

// Publisher accepts batches from producers.
type Publisher interface {
	Publish(b RawBatch) error
}

// Hub is a bounded multi-subscriber broadcast, one ring per table.
// Publishing never blocks: when the ring is full the oldest batch is
// overwritten and slow subscribers find out through a LaggedError.
type Hub struct {
	mu       sync.Mutex
	capacity int
	topics   map[string]*topic
	closed   bool
}

type topic struct {
	ring []RawBatch
	next uint64
	subs []*Subscription
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1
	}
	return &Hub{capacity: capacity, topics: make(map[string]*topic)}
}

func (h *Hub) topic(table string) *topic {
	t, ok := h.topics[table]
	if !ok {
		t = &topic{ring: make([]RawBatch, h.capacity)}
		h.topics[table] = t
	}
	return t
}

// Publish appends b to its table's ring and wakes the table's subscribers.
func (h *Hub) Publish(b RawBatch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	t := h.topic(b.Table)
	t.ring[t.next%uint64(h.capacity)] = b
	t.next++
	for _, s := range t.subs {
		s.wake()
	}
	return nil
}

// Subscribe returns a subscription to table that sees batches published
// from now on. notify, if not nil, receives a non-blocking signal whenever
// the subscription has something new; several subscriptions may share it.
func (h *Hub) Subscribe(table string, notify chan struct{}) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if notify == nil {
		notify = make(chan struct{}, 1)
	}
	t := h.topic(table)
	s := &Subscription{hub: h, topic: t, table: table, cursor: t.next, notify: notify}
	t.subs = append(t.subs, s)
	if h.closed {
		s.wake()
	}
	return s
}

// Close ends every feed. Subscribers still receive the retained batches
// before they get ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.topics {
		for _, s := range t.subs {
			s.wake()
		}
	}
}

// Subscription reads one table's feed.
type Subscription struct {
	hub    *Hub
	topic  *topic
	table  string
	cursor uint64
	notify chan struct{}
}

func (s *Subscription) Table() string { return s.table }

// Notify returns the wakeup channel.
func (s *Subscription) Notify() <-chan struct{} { return s.notify }

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryRecv returns the next batch without blocking. It fails with ErrEmpty
// when nothing is ready, *LaggedError once after the subscriber was
// overtaken, and ErrClosed after the hub was closed and drained.
func (s *Subscription) TryRecv() (RawBatch, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	t := s.topic
	capacity := uint64(h.capacity)
	var oldest uint64
	if t.next > capacity {
		oldest = t.next - capacity
	}
	if s.cursor < oldest {
		skipped := oldest - s.cursor
		s.cursor = oldest
		return RawBatch{}, &LaggedError{Skipped: skipped}
	}
	if s.cursor < t.next {
		b := t.ring[s.cursor%capacity]
		s.cursor++
		return b, nil
	}
	if h.closed {
		return RawBatch{}, ErrClosed
	}
	return RawBatch{}, ErrEmpty
}
