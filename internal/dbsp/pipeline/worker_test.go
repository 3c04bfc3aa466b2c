package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/cdcview/internal/dbsp/buffer"
	"github.com/ariyn/cdcview/internal/dbsp/capture"
	"github.com/ariyn/cdcview/internal/dbsp/engine"
	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/types"
	"github.com/ariyn/cdcview/internal/dbsp/wal"
)

type fakeSink struct {
	mu      sync.Mutex
	pending []types.OutputDelta
	written []types.OutputDelta
	fail    bool
}

func (s *fakeSink) Write(deltas []types.OutputDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, deltas...)
}

func (s *fakeSink) FlushWithRetry(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return types.NewSinkWrite(len(s.pending), errors.New("sink unavailable"))
	}
	s.written = append(s.written, s.pending...)
	s.pending = nil
	return nil
}

func (s *fakeSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *fakeSink) deltas() []types.OutputDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OutputDelta(nil), s.written...)
}

// rows integrates the committed deltas into the current view contents.
func (s *fakeSink) rows(t *testing.T) map[types.JoinKey]types.Record {
	t.Helper()
	out := make(map[types.JoinKey]types.Record)
	for _, d := range s.deltas() {
		switch d.Count {
		case 1:
			require.NotContains(t, out, d.Key)
			out[d.Key] = d.Record
		case -1:
			require.Contains(t, out, d.Key)
			delete(out, d.Key)
		default:
			t.Fatalf("unexpected multiplicity %d", d.Count)
		}
	}
	return out
}

type archiveRecorder struct{ n int }

func (a *archiveRecorder) Archive(_ context.Context, deltas []types.OutputDelta) error {
	a.n += len(deltas)
	return nil
}

func testPlan() *ir.JoinPlan {
	return &ir.JoinPlan{
		Root:    ir.JoinSide{Table: "customers", KeyColumns: []string{"id"}, JoinColumn: "id"},
		Foreign: ir.JoinSide{Table: "orders", KeyColumns: []string{"id"}, JoinColumn: "customer_id"},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Buffer = buffer.Config{MaxBatchSize: 100}
	cfg.PollInterval = time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

type harness struct {
	hub    *capture.Hub
	tx     *capture.Transactor
	engine *engine.Engine
	sink   *fakeSink
	worker *Worker
}

func newHarness(cfg Config, opts ...Option) *harness {
	plan := testPlan()
	hub := capture.NewHub(64)
	src := capture.NewSource(hub, plan.Tables(), 0, log.NewNopLogger(), nil)
	eng := engine.New(plan, log.NewNopLogger(), nil)
	sink := &fakeSink{}
	return &harness{
		hub:    hub,
		tx:     capture.NewTransactor(hub, plan.Tables(), log.NewNopLogger()),
		engine: eng,
		sink:   sink,
		worker: New(cfg, eng, src, sink, log.NewNopLogger(), nil, opts...),
	}
}

func (h *harness) commit(t *testing.T, txs ...[]capture.Record) {
	t.Helper()
	for _, records := range txs {
		require.NoError(t, h.tx.ApplyAll(records))
	}
}

// step runs one iteration of the worker loop without waiting.
func (h *harness) step(t *testing.T) {
	t.Helper()
	w := h.worker
	w.ingest(w.feed.Fetch())
	w.buf.UpdateWatermark(w.feed.Watermark())
	require.NoError(t, w.tick(context.Background()))
}

func change(action, table string, xid uint64, kv ...any) capture.Record {
	r := capture.Record{Action: action, XID: xid, Table: table, PK: []types.Column{{Name: "id"}}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Columns = append(r.Columns, types.Column{Name: kv[i].(string), Value: kv[i+1]})
	}
	if action == "D" {
		r.Identity, r.Columns = r.Columns, nil
	}
	return r
}

func tx(xid uint64, changes ...capture.Record) []capture.Record {
	out := []capture.Record{{Action: "B", XID: xid}}
	out = append(out, changes...)
	return append(out, capture.Record{Action: "C", XID: xid})
}

func TestWorker_MaintainsJoinUntilFeedsClose(t *testing.T) {
	archive := &archiveRecorder{}
	h := newHarness(testConfig(), WithArchive(archive))
	h.commit(t,
		tx(1, change("I", "customers", 1, "id", 1, "name", "ann")),
		tx(2, change("I", "orders", 2, "id", 10, "customer_id", 1, "total", 5)),
		tx(3, change("U", "orders", 3, "id", 10, "customer_id", 1, "total", 7)),
		tx(4,
			change("I", "customers", 4, "id", 2, "name", "bob"),
			change("I", "orders", 4, "id", 11, "customer_id", 2, "total", 3),
			// no primary key and no identity: dropped as malformed
			capture.Record{Action: "I", XID: 4, Table: "orders", Columns: []types.Column{{Name: "total", Value: 1}}},
		),
		tx(5, change("D", "customers", 5, "id", 1)),
	)
	h.hub.Close()

	require.NoError(t, h.worker.Run(context.Background()))

	rows := h.sink.rows(t)
	require.Len(t, rows, 1)
	row := rows[types.JoinKey{Left: 2, Right: 11}]
	require.Equal(t, "bob", row["customers.name"])
	require.Equal(t, 3, row["orders.total"])
	require.Equal(t, uint64(6), h.engine.Frontier())
	require.Equal(t, len(h.sink.deltas()), archive.n)
}

func TestWorker_WaitsForEveryTable(t *testing.T) {
	h := newHarness(testConfig())

	// only customers has reported: nothing may be processed
	require.NoError(t, h.hub.Publish(capture.RawBatch{Table: "customers", XID: 1, Changes: []types.RawChange{
		change("I", "customers", 1, "id", 1, "name", "ann").RawChange(),
	}}))
	h.step(t)
	require.Equal(t, 1, h.engine.Staged())
	require.Empty(t, h.sink.deltas())

	require.NoError(t, h.hub.Publish(capture.RawBatch{Table: "orders", XID: 2, Changes: []types.RawChange{
		change("I", "orders", 2, "id", 10, "customer_id", 1).RawChange(),
	}}))
	h.step(t)
	require.Equal(t, uint64(2), h.engine.Frontier())
	require.Equal(t, 1, h.engine.Staged(), "order at xid 2 waits for customers to pass it")
	require.Empty(t, h.sink.deltas())

	// a heartbeat from customers completes xid 2
	require.NoError(t, h.hub.Publish(capture.RawBatch{Table: "customers", XID: 3}))
	h.step(t)
	require.Len(t, h.sink.rows(t), 1)
	require.Zero(t, h.engine.Staged())
}

func TestWorker_RecoversWithoutResendingFlushedOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	history := [][]capture.Record{
		tx(1, change("I", "customers", 1, "id", 1, "name", "ann")),
		tx(2, change("I", "orders", 2, "id", 10, "customer_id", 1, "total", 5)),
	}

	journal, err := wal.NewSQLiteWAL(path)
	require.NoError(t, err)
	first := newHarness(testConfig(), WithJournal(journal))
	first.commit(t, history...)
	first.hub.Close()
	require.NoError(t, first.worker.Run(context.Background()))
	require.Len(t, first.sink.rows(t), 1)
	require.NoError(t, journal.Close())

	journal, err = wal.NewSQLiteWAL(path)
	require.NoError(t, err)
	defer journal.Close()
	second := newHarness(testConfig(), WithJournal(journal))
	// the producer redelivers the history before the new transaction
	second.commit(t, history...)
	second.commit(t, tx(3, change("U", "orders", 3, "id", 10, "customer_id", 1, "total", 9)))
	second.hub.Close()
	require.NoError(t, second.worker.Run(context.Background()))

	got := second.sink.deltas()
	require.Len(t, got, 2)
	require.Equal(t, int64(-1), got[0].Count)
	require.Equal(t, 5, got[0].Record["orders.total"])
	require.Equal(t, int64(1), got[1].Count)
	require.Equal(t, 9, got[1].Record["orders.total"])
	require.Equal(t, 2.0, testutil.ToFloat64(second.worker.duplicates))
}

func TestWorker_ResendsOutputThatNeverReachedTheSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")

	journal, err := wal.NewSQLiteWAL(path)
	require.NoError(t, err)
	first := newHarness(testConfig(), WithJournal(journal))
	first.sink.fail = true
	first.commit(t,
		tx(1, change("I", "customers", 1, "id", 1, "name", "ann")),
		tx(2, change("I", "orders", 2, "id", 10, "customer_id", 1)),
	)
	first.hub.Close()
	err = first.worker.Run(context.Background())
	require.True(t, types.IsSinkWrite(err), "got %v", err)
	require.NoError(t, journal.Close())

	journal, err = wal.NewSQLiteWAL(path)
	require.NoError(t, err)
	defer journal.Close()
	second := newHarness(testConfig(), WithJournal(journal))
	second.hub.Close()
	require.NoError(t, second.worker.Run(context.Background()))

	rows := second.sink.rows(t)
	require.Contains(t, rows, types.JoinKey{Left: 1, Right: 10})

	flushed, err := journal.FlushedSeq(context.Background())
	require.NoError(t, err)
	require.NotZero(t, flushed)
}

func TestWorker_CheckpointCompactsTheLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	cfg := testConfig()
	cfg.CheckpointEvery = 1

	journal, err := wal.NewSQLiteWAL(path)
	require.NoError(t, err)
	defer journal.Close()

	first := newHarness(cfg, WithJournal(journal))
	first.commit(t,
		tx(1, change("I", "customers", 1, "id", 1, "name", "ann")),
		tx(2, change("I", "orders", 2, "id", 10, "customer_id", 1)),
	)
	first.hub.Close()
	require.NoError(t, first.worker.Run(context.Background()))

	ctx := context.Background()
	cp, err := journal.LoadLatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	left := 0
	require.NoError(t, journal.ReplayFrom(ctx, 0, func(wal.Entry) error {
		left++
		return nil
	}))
	require.Zero(t, left)

	second := newHarness(cfg, WithJournal(journal))
	second.hub.Close()
	require.NoError(t, second.worker.Run(ctx))
	require.Equal(t, 1, second.engine.Store().Side("orders").Len())
	require.Equal(t, first.engine.Frontier(), second.engine.Frontier())
	require.Empty(t, second.sink.deltas())
}

func TestWorker_ClockRegressionIsFatal(t *testing.T) {
	h := newHarness(testConfig())
	h.engine.AdvanceTo(10)
	h.commit(t, tx(5, change("I", "customers", 5, "id", 1, "name", "ann")))
	h.hub.Close()

	err := h.worker.Run(context.Background())
	require.True(t, types.IsClockRegression(err), "got %v", err)
}

func TestWorker_CancelFlushesPending(t *testing.T) {
	h := newHarness(testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	h.commit(t,
		tx(1, change("I", "customers", 1, "id", 1, "name", "ann")),
		tx(2, change("I", "orders", 2, "id", 10, "customer_id", 1)),
		tx(3),
	)
	require.Eventually(t, func() bool { return len(h.sink.deltas()) == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	h.hub.Close()
}
