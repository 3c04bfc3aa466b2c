package sink

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Executor runs a list of statements as one unit: either all of them take
// effect or none does.
type Executor interface {
	Exec(ctx context.Context, stmts []Statement) error
}

// Config describes the destination table of a view.
type Config struct {
	Table string
	// KeyColumns identify an output row: the key columns of both join sides,
	// as named in output records.
	KeyColumns []string
	Retry      backoff.Config
}

// DefaultRetry retries a failed flush five times, between 100ms and 5s apart.
func DefaultRetry() backoff.Config {
	return backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 5,
	}
}

// Writer buffers sink statements for one view and flushes them
// transactionally through an Executor.
//
// The table schema is derived once, from the first asserted record. It is
// executed in front of the first flush. Pending statements survive a failed
// flush and are retried by the next one.
type Writer struct {
	cfg    Config
	exec   Executor
	logger log.Logger

	schema        *Statement
	schemaApplied bool
	columns       []string
	pending       []Statement

	statements *prometheus.CounterVec
	flushes    prometheus.Counter
	failures   prometheus.Counter
	pendingG   prometheus.Gauge
}

func NewWriter(cfg Config, exec Executor, logger log.Logger, reg prometheus.Registerer) *Writer {
	return &Writer{
		cfg:    cfg,
		exec:   exec,
		logger: log.With(logger, "component", "sink-writer", "table", cfg.Table),
		statements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "sink_statements_total",
			Help:      "Total number of statements handed to the sink, by kind.",
		}, []string{"kind"}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "sink_flushes_total",
			Help:      "Total number of successful sink flushes.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "sink_flush_failures_total",
			Help:      "Total number of failed sink flushes.",
		}),
		pendingG: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "cdcview",
			Name:      "sink_pending_statements",
			Help:      "Statements waiting for the next flush.",
		}),
	}
}

// SetSchema records the CREATE TABLE statement. Only the first call has an
// effect.
func (w *Writer) SetSchema(stmt Statement) {
	if w.schema != nil {
		return
	}
	w.schema = &stmt
}

// Schema returns the CREATE TABLE statement, if one was set.
func (w *Writer) Schema() (Statement, bool) {
	if w.schema == nil {
		return Statement{}, false
	}
	return *w.schema, true
}

// SetColumns fixes the columns written by inserts, in order.
func (w *Writer) SetColumns(names []string) {
	w.columns = append([]string(nil), names...)
}

func (w *Writer) Columns() []string { return w.columns }

// Insert appends statements to the pending buffer.
func (w *Writer) Insert(stmts ...Statement) {
	for _, s := range stmts {
		w.statements.WithLabelValues(s.Kind.String()).Inc()
	}
	w.pending = append(w.pending, stmts...)
	w.pendingG.Set(float64(len(w.pending)))
}

// Pending returns the number of statements waiting for a flush.
func (w *Writer) Pending() int { return len(w.pending) }

// Write turns output deltas into statements and appends them. The first
// assertion fixes the schema and the insert columns.
func (w *Writer) Write(deltas []types.OutputDelta) {
	for _, d := range deltas {
		switch {
		case d.Count > 0:
			if w.schema == nil {
				cols := InferColumns(d.Record)
				names := make([]string, 0, len(cols))
				for _, c := range cols {
					names = append(names, c.Name)
				}
				w.SetSchema(CreateTable(w.cfg.Table, cols))
				w.SetColumns(names)
			}
			for i := int64(0); i < d.Count; i++ {
				w.Insert(w.insertStatement(d.Record))
			}
		case d.Count < 0:
			stmt, ok := w.deleteStatement(d.Record)
			if !ok {
				level.Warn(w.logger).Log("msg", "retraction without key columns, skipped", "left", uint64(d.Key.Left), "right", uint64(d.Key.Right), "time", d.Time)
				continue
			}
			for i := int64(0); i < -d.Count; i++ {
				w.Insert(stmt)
			}
		}
	}
}

func (w *Writer) insertStatement(r types.Record) Statement {
	values := make([]Value, 0, len(w.columns))
	for _, c := range w.columns {
		values = append(values, Value{Column: c, Value: r[c]})
	}
	return Insert(w.cfg.Table, values)
}

func (w *Writer) deleteStatement(r types.Record) (Statement, bool) {
	where := make([]Value, 0, len(w.cfg.KeyColumns))
	for _, c := range w.cfg.KeyColumns {
		v, ok := r[c]
		if !ok {
			return Statement{}, false
		}
		where = append(where, Value{Column: c, Value: v})
	}
	return Delete(w.cfg.Table, where), len(where) > 0
}

// Flush executes the pending statements in one transaction and clears them.
// On failure they stay pending and a SinkWrite fault is returned. Flushing
// with nothing pending does nothing.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	stmts := w.pending
	if w.schema != nil && !w.schemaApplied {
		stmts = append([]Statement{*w.schema}, w.pending...)
	}
	if err := w.exec.Exec(ctx, stmts); err != nil {
		w.failures.Inc()
		return types.NewSinkWrite(len(w.pending), err)
	}
	level.Debug(w.logger).Log("msg", "flushed", "statements", len(stmts))
	if w.schema != nil {
		w.schemaApplied = true
	}
	w.pending = nil
	w.flushes.Inc()
	w.pendingG.Set(0)
	return nil
}

// FlushWithRetry flushes, retrying with backoff. The returned error is the
// last SinkWrite fault, or the context error when ctx ends first.
func (w *Writer) FlushWithRetry(ctx context.Context) error {
	cfg := w.cfg.Retry
	if cfg == (backoff.Config{}) {
		cfg = DefaultRetry()
	}
	b := backoff.New(ctx, cfg)
	var err error
	for b.Ongoing() {
		if err = w.Flush(ctx); err == nil {
			return nil
		}
		level.Warn(w.logger).Log("msg", "sink flush failed", "pending", len(w.pending), "retries", b.NumRetries(), "err", err)
		b.Wait()
	}
	if err == nil {
		err = b.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
