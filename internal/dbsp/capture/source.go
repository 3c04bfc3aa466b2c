package capture

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source is the engine's side of the hub: one subscription per joined table
// plus the progress bookkeeping the watermark is derived from.
type Source struct {
	logger log.Logger
	tables []string
	subs   map[string]*Subscription
	notify chan struct{}

	progress map[string]uint64
	reported map[string]bool
	closed   map[string]bool

	maxPerFetch int

	lagged  *prometheus.CounterVec
	batches *prometheus.CounterVec
}

// NewSource subscribes to every table. maxPerFetch bounds how many batches
// one Fetch takes from each table; zero means no bound.
func NewSource(hub *Hub, tables []string, maxPerFetch int, logger log.Logger, reg prometheus.Registerer) *Source {
	s := &Source{
		logger:      log.With(logger, "component", "capture-source"),
		tables:      append([]string(nil), tables...),
		subs:        make(map[string]*Subscription, len(tables)),
		notify:      make(chan struct{}, 1),
		progress:    make(map[string]uint64, len(tables)),
		reported:    make(map[string]bool, len(tables)),
		closed:      make(map[string]bool, len(tables)),
		maxPerFetch: maxPerFetch,
		lagged: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "capture_lagged_batches_total",
			Help:      "Total number of batches skipped because the engine fell behind a feed.",
		}, []string{"table"}),
		batches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "capture_batches_total",
			Help:      "Total number of batches received from the capture feeds.",
		}, []string{"table"}),
	}
	for _, t := range tables {
		s.subs[t] = hub.Subscribe(t, s.notify)
	}
	return s
}

// Fetch returns every batch that is ready, without blocking. Lagged feeds
// are logged and counted; the skipped changes are lost.
func (s *Source) Fetch() []RawBatch {
	var out []RawBatch
	for _, table := range s.tables {
		if s.closed[table] {
			continue
		}
		sub := s.subs[table]
		for n := 0; s.maxPerFetch <= 0 || n < s.maxPerFetch; {
			b, err := sub.TryRecv()
			var lagged *LaggedError
			switch {
			case err == nil:
				n++
				s.observe(table, b.XID)
				s.batches.WithLabelValues(table).Inc()
				out = append(out, b)
				continue
			case errors.As(err, &lagged):
				level.Warn(s.logger).Log("msg", "feed lagged, resuming at oldest retained batch", "table", table, "skipped", lagged.Skipped)
				s.lagged.WithLabelValues(table).Add(float64(lagged.Skipped))
				continue
			case errors.Is(err, ErrClosed):
				level.Info(s.logger).Log("msg", "feed closed", "table", table)
				s.closed[table] = true
			}
			break
		}
	}
	return out
}

func (s *Source) observe(table string, xid uint64) {
	s.reported[table] = true
	if xid > s.progress[table] {
		s.progress[table] = xid
	}
}

// Progress returns the highest transaction id seen on table.
func (s *Source) Progress(table string) uint64 { return s.progress[table] }

// Watermark is the minimum over the tables of the highest transaction id
// seen, that is the highest id every table has reached. It is 0 until every
// table has reported. Closed feeds no longer hold the watermark back.
func (s *Source) Watermark() uint64 {
	var (
		wm   uint64
		open bool
	)
	for _, t := range s.tables {
		if s.closed[t] {
			continue
		}
		if !s.reported[t] {
			return 0
		}
		if !open || s.progress[t] < wm {
			wm = s.progress[t]
		}
		open = true
	}
	if open {
		return wm
	}
	for _, t := range s.tables {
		if s.progress[t] > wm {
			wm = s.progress[t]
		}
	}
	return wm
}

// Done reports whether every feed is closed and drained.
func (s *Source) Done() bool {
	for _, t := range s.tables {
		if !s.closed[t] {
			return false
		}
	}
	return true
}

// Wait blocks until a feed has news, d has passed, or ctx ends.
func (s *Source) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.notify:
	case <-timer.C:
	}
	return nil
}
