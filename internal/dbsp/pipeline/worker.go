package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/cdcview/internal/dbsp/buffer"
	"github.com/ariyn/cdcview/internal/dbsp/capture"
	"github.com/ariyn/cdcview/internal/dbsp/engine"
	"github.com/ariyn/cdcview/internal/dbsp/normalize"
	"github.com/ariyn/cdcview/internal/dbsp/types"
	"github.com/ariyn/cdcview/internal/dbsp/wal"
)

// Feed is the worker's view of the capture layer.
type Feed interface {
	// Fetch returns every batch that is ready without blocking.
	Fetch() []capture.RawBatch
	// Watermark is the highest transaction id every open feed has reached.
	Watermark() uint64
	// Done reports whether every feed is closed and drained.
	Done() bool
	// Wait blocks until a feed has news, d has passed, or ctx ends.
	Wait(ctx context.Context, d time.Duration) error
}

// Sink receives output deltas and commits them in flushes.
type Sink interface {
	Write(deltas []types.OutputDelta)
	FlushWithRetry(ctx context.Context) error
	Pending() int
}

// Archive keeps a copy of every output delta handed to the sink.
type Archive interface {
	Archive(ctx context.Context, deltas []types.OutputDelta) error
}

// Journal is the durable log the worker recovers from.
type Journal interface {
	Append(ctx context.Context, batch wal.Batch) (int64, error)
	ReplayFrom(ctx context.Context, afterSeq int64, apply func(wal.Entry) error) error
	LoadLatestCheckpoint(ctx context.Context) (*wal.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp wal.Checkpoint) error
	Compact(ctx context.Context, throughSeq int64) error
	MarkFlushed(ctx context.Context, seq int64) error
	FlushedSeq(ctx context.Context) (int64, error)
}

var _ Journal = (*wal.SQLiteWAL)(nil)

type Config struct {
	Buffer buffer.Config
	// PollInterval bounds how long the worker sleeps when no feed has news.
	PollInterval time.Duration
	// ShutdownTimeout bounds the final flush after the context ends.
	ShutdownTimeout time.Duration
	// CheckpointEvery takes an engine snapshot after that many logged
	// batches. Zero disables checkpoints.
	CheckpointEvery int
}

func DefaultConfig() Config {
	return Config{
		Buffer:          buffer.DefaultConfig(),
		PollInterval:    100 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

type Option func(*Worker)

// WithJournal logs every released batch before it reaches the engine and
// recovers from the log when Run starts.
func WithJournal(j Journal) Option {
	return func(w *Worker) { w.journal = j }
}

func WithArchive(a Archive) Option {
	return func(w *Worker) { w.archive = a }
}

// WithClock replaces the wall clock driving buffer releases.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker drives one view: it pulls batches from the feed, normalizes them,
// reorders them by transaction id, runs them through the join engine and
// hands the output to the sink.
//
// The engine only advances to min(watermark+1, earliest buffered time), so
// a step never runs before every table has delivered the transactions at or
// below it.
type Worker struct {
	cfg        Config
	engine     *engine.Engine
	feed       Feed
	sink       Sink
	journal    Journal
	archive    Archive
	normalizer *normalize.Normalizer
	buf        *buffer.ReorderBuffer
	logger     log.Logger
	now        func() time.Time

	lastSeq         int64
	flushedSeq      int64
	sinceCheckpoint int
	// resume is the frontier recovered from the journal. Anything below it
	// was applied before the restart.
	resume uint64

	watermark  prometheus.Gauge
	buffered   prometheus.Gauge
	released   prometheus.Counter
	duplicates prometheus.Counter
	archiveErr prometheus.Counter
}

func New(cfg Config, eng *engine.Engine, feed Feed, sink Sink, logger log.Logger, reg prometheus.Registerer, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.Buffer == (buffer.Config{}) {
		cfg.Buffer = buffer.DefaultConfig()
	}
	logger = log.With(logger, "component", "worker")
	w := &Worker{
		cfg:        cfg,
		engine:     eng,
		feed:       feed,
		sink:       sink,
		normalizer: normalize.New(logger, reg),
		logger:     logger,
		now:        time.Now,
		watermark: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "cdcview",
			Name:      "watermark",
			Help:      "Highest transaction id every open feed has delivered.",
		}),
		buffered: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "cdcview",
			Name:      "buffered_deltas",
			Help:      "Deltas waiting in the reorder buffer.",
		}),
		released: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "released_batches_total",
			Help:      "Total number of batches released by the reorder buffer.",
		}),
		duplicates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "replayed_duplicates_total",
			Help:      "Total number of deltas dropped because they were applied before a restart.",
		}),
		archiveErr: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cdcview",
			Name:      "archive_failures_total",
			Help:      "Total number of output batches the archive failed to store.",
		}),
	}
	for _, o := range opts {
		o(w)
	}
	w.buf = buffer.NewWithClock(cfg.Buffer, w.now)
	return w
}

// Run processes the feed until every feed is closed or ctx ends. On
// cancellation pending output is flushed within ShutdownTimeout and the
// context error is returned. A fatal fault stops the worker after a best
// effort flush.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return w.shutdown(err)
		}

		w.ingest(w.feed.Fetch())
		w.buf.UpdateWatermark(w.feed.Watermark())
		w.watermark.Set(float64(w.buf.Watermark()))

		if w.feed.Done() {
			if err := w.finish(ctx); err != nil {
				return w.halt(ctx, err)
			}
			return nil
		}

		if err := w.tick(ctx); err != nil {
			return w.halt(ctx, err)
		}

		if err := w.feed.Wait(ctx, w.cfg.PollInterval); err != nil {
			return w.shutdown(err)
		}
	}
}

// ingest normalizes batches into the reorder buffer. Malformed changes are
// dropped by the normalizer.
func (w *Worker) ingest(batches []capture.RawBatch) {
	plan := w.engine.Plan()
	for _, b := range batches {
		fk := plan.ForeignKeyColumn(b.Table)
		side, _ := plan.Side(b.Table)
		for _, raw := range b.Changes {
			if raw.Table == "" {
				raw.Table = b.Table
			}
			if raw.XID == 0 {
				raw.XID = b.XID
			}
			if len(raw.PrimaryKey) == 0 {
				raw.PrimaryKey = side.KeyColumns
			}
			deltas, err := w.normalizer.Apply(raw, fk)
			if err != nil {
				continue
			}
			for _, d := range deltas {
				if d.Time < w.resume {
					level.Debug(w.logger).Log("msg", "dropping delta applied before restart", "table", raw.Table, "xid", d.Time, "resume", w.resume)
					w.duplicates.Inc()
					continue
				}
				w.buf.Insert(raw.Table, d.Element, d.Time, d.Count)
			}
		}
	}
	w.buffered.Set(float64(w.buf.Len()))
}

// bound is the time the engine may advance to: every table is complete
// below watermark+1, and nothing still buffered may fall behind the clock.
func (w *Worker) bound() uint64 {
	b := w.buf.Watermark() + 1
	if t, ok := w.buf.MinTime(); ok && t < b {
		b = t
	}
	return b
}

func (w *Worker) tick(ctx context.Context) error {
	for {
		items := w.buf.Pop()
		if items == nil {
			break
		}
		w.released.Inc()
		if err := w.process(ctx, items, w.bound()); err != nil {
			return err
		}
	}
	// Heartbeats alone may move the bound past staged deltas.
	if err := w.process(ctx, nil, w.bound()); err != nil {
		return err
	}
	w.buffered.Set(float64(w.buf.Len()))
	return w.flush(ctx)
}

// finish runs once every feed is closed: whatever is still buffered is
// released and the clock moves past the last transaction.
func (w *Worker) finish(ctx context.Context) error {
	items := w.buf.Drain()
	bound := w.feed.Watermark() + 1
	for _, it := range items {
		if it.Time >= bound {
			bound = it.Time + 1
		}
	}
	if len(items) > 0 {
		w.released.Inc()
	}
	if err := w.process(ctx, items, bound); err != nil {
		return err
	}
	w.buffered.Set(0)
	if err := w.flush(ctx); err != nil {
		return err
	}
	level.Info(w.logger).Log("msg", "feeds closed, view is up to date", "frontier", w.engine.Frontier())
	return nil
}

// process logs items with the bound, feeds them to the engine and advances
// the clock. Nothing is logged when the engine has nothing to do.
func (w *Worker) process(ctx context.Context, items []types.BufferedItem, bound uint64) error {
	if bound < w.engine.Frontier() {
		bound = w.engine.Frontier()
	}
	advances := bound > w.engine.Frontier() && (w.engine.Staged() > 0 || len(items) > 0)
	if len(items) == 0 && !advances {
		w.engine.AdvanceTo(bound)
		return nil
	}

	if w.journal != nil {
		seq, err := w.journal.Append(ctx, wal.Batch{Items: items, Frontier: bound})
		if err != nil {
			return fmt.Errorf("append wal batch: %w", err)
		}
		w.lastSeq = seq
		w.sinceCheckpoint++
	}

	if err := w.feedAll(items); err != nil {
		return err
	}
	w.emit(ctx, w.engine.AdvanceTo(bound))
	return nil
}

func (w *Worker) feedAll(items []types.BufferedItem) error {
	for _, it := range items {
		if err := w.engine.Feed(it); err != nil {
			if types.IsFatal(err) {
				return err
			}
			level.Warn(w.logger).Log("msg", "delta rejected by engine", "table", it.Table, "time", it.Time, "err", err)
		}
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, out []types.OutputDelta) {
	if len(out) == 0 {
		return
	}
	if w.archive != nil {
		if err := w.archive.Archive(ctx, out); err != nil {
			w.archiveErr.Inc()
			level.Warn(w.logger).Log("msg", "archive failed", "deltas", len(out), "err", err)
		}
	}
	w.sink.Write(out)
}

// flush commits pending output, moves the flush mark and checkpoints when
// due.
func (w *Worker) flush(ctx context.Context) error {
	if w.sink.Pending() > 0 {
		if err := w.sink.FlushWithRetry(ctx); err != nil {
			return err
		}
	}
	if w.journal == nil || w.lastSeq <= w.flushedSeq {
		return nil
	}
	if err := w.journal.MarkFlushed(ctx, w.lastSeq); err != nil {
		return err
	}
	w.flushedSeq = w.lastSeq
	w.checkpoint(ctx)
	return nil
}

// checkpoint snapshots the engine once CheckpointEvery batches were logged
// since the last one. Failures are logged: the batches stay in the journal.
func (w *Worker) checkpoint(ctx context.Context) {
	if w.cfg.CheckpointEvery <= 0 || w.sinceCheckpoint < w.cfg.CheckpointEvery || w.sink.Pending() > 0 {
		return
	}
	snap, err := w.engine.Snapshot()
	if err != nil {
		level.Warn(w.logger).Log("msg", "engine snapshot failed", "err", err)
		return
	}
	if err := w.journal.SaveCheckpoint(ctx, wal.Checkpoint{LastSeq: w.lastSeq, Snapshot: snap}); err != nil {
		level.Warn(w.logger).Log("msg", "save checkpoint failed", "seq", w.lastSeq, "err", err)
		return
	}
	if err := w.journal.Compact(ctx, w.lastSeq); err != nil {
		level.Warn(w.logger).Log("msg", "wal compaction failed", "seq", w.lastSeq, "err", err)
	}
	level.Info(w.logger).Log("msg", "checkpoint saved", "seq", w.lastSeq, "frontier", w.engine.Frontier(), "bytes", len(snap))
	w.sinceCheckpoint = 0
}

// recover restores the latest checkpoint and replays the batches logged
// after it. Output of batches past the flush mark never reached the sink
// and is written again; earlier output is discarded.
func (w *Worker) recover(ctx context.Context) error {
	if w.journal == nil {
		return nil
	}
	start := time.Now()

	cp, err := w.journal.LoadLatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	if cp != nil {
		if err := w.engine.Restore(cp.Snapshot); err != nil {
			return err
		}
		w.lastSeq = cp.LastSeq
	}
	if w.flushedSeq, err = w.journal.FlushedSeq(ctx); err != nil {
		return err
	}

	var replayed, resent int
	err = w.journal.ReplayFrom(ctx, w.lastSeq, func(e wal.Entry) error {
		if err := w.feedAll(e.Items); err != nil {
			return fmt.Errorf("wal seq %d: %w", e.Seq, err)
		}
		out := w.engine.AdvanceTo(e.Frontier)
		if e.Seq > w.flushedSeq {
			resent += len(out)
			w.emit(ctx, out)
		}
		w.lastSeq = e.Seq
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	w.sinceCheckpoint = replayed
	w.resume = w.engine.Frontier()

	if cp == nil && replayed == 0 {
		return nil
	}
	level.Info(w.logger).Log("msg", "recovered from wal", "checkpoint", cp != nil, "replayed", replayed,
		"resent", resent, "frontier", w.resume, "duration", time.Since(start))
	return nil
}

// halt stops on a fault. Output that is already pending is flushed on a
// best effort basis.
func (w *Worker) halt(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return w.shutdown(ctx.Err())
	}
	level.Error(w.logger).Log("msg", "worker halted", "err", err)
	if !types.IsSinkWrite(err) {
		w.finalFlush()
	}
	return err
}

func (w *Worker) shutdown(cause error) error {
	level.Info(w.logger).Log("msg", "shutting down", "pending", w.sink.Pending(), "cause", cause)
	w.finalFlush()
	return cause
}

func (w *Worker) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if err := w.flush(ctx); err != nil {
		level.Error(w.logger).Log("msg", "final flush failed", "pending", w.sink.Pending(), "err", err)
	}
}
