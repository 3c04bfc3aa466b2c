package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

type fakeExecutor struct {
	calls [][]Statement
	fail  int
	err   error
}

func (f *fakeExecutor) Exec(_ context.Context, stmts []Statement) error {
	f.calls = append(f.calls, append([]Statement(nil), stmts...))
	if f.fail > 0 {
		f.fail--
		return f.err
	}
	return nil
}

func testConfig() Config {
	return Config{
		Table:      "view",
		KeyColumns: []string{"customers.id", "orders.id"},
		Retry:      backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 3},
	}
}

func joined(id, orderID int64, note string, count int64) types.OutputDelta {
	d := types.OutputDelta{
		Key:   types.JoinKey{Left: types.Key(id), Right: types.Key(orderID)},
		Time:  1,
		Count: count,
		Record: types.Record{
			"customers.id": id,
			"orders.id":    orderID,
			"orders.note":  note,
		},
	}
	return d
}

func TestWriter_EmptyFlushIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)

	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, w.Flush(context.Background()))
	require.Empty(t, exec.calls)
}

func TestWriter_SchemaFromFirstRecord(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)

	w.Write([]types.OutputDelta{joined(1, 10, "x", 1)})
	w.Write([]types.OutputDelta{{Count: 1, Record: types.Record{"other": 1.5}}})

	schema, ok := w.Schema()
	require.True(t, ok)
	require.Equal(t, `CREATE TABLE IF NOT EXISTS "view" ("customers.id" INTEGER, "orders.id" INTEGER, "orders.note" TEXT);`, schema.SQL())
	require.Equal(t, []string{"customers.id", "orders.id", "orders.note"}, w.Columns())

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, exec.calls, 1)
	require.Len(t, exec.calls[0], 3)
	require.Equal(t, KindCreateTable, exec.calls[0][0].Kind)
	require.Equal(t, `INSERT INTO "view" ("customers.id", "orders.id", "orders.note") VALUES (NULL, NULL, NULL);`, exec.calls[0][2].SQL())

	// the schema is issued once
	w.Write([]types.OutputDelta{joined(2, 11, "y", 1)})
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, exec.calls[1], 1)
	require.Equal(t, KindInsert, exec.calls[1][0].Kind)
}

func TestWriter_DeleteByKeyColumns(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)

	w.Write([]types.OutputDelta{joined(1, 10, "x", -1)})
	w.Write([]types.OutputDelta{{Count: -1, Record: types.Record{"orders.note": "no keys"}}})
	require.Equal(t, 1, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, `DELETE FROM "view" WHERE "customers.id" = 1 AND "orders.id" = 10;`, exec.calls[0][0].SQL())
}

func TestWriter_FailedFlushKeepsPending(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	exec := &fakeExecutor{fail: 1, err: errors.New("connection refused")}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), reg)

	w.Write([]types.OutputDelta{joined(1, 10, "x", 1), joined(1, 10, "x", -1)})
	err := w.Flush(context.Background())
	require.Error(t, err)
	require.True(t, types.IsSinkWrite(err))
	require.True(t, types.IsFatal(err))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 2, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 0, w.Pending())
	require.Equal(t, exec.calls[0], exec.calls[1], "the retry must resend the same statements, schema included")

	require.Equal(t, 1.0, testutil.ToFloat64(w.failures))
	require.Equal(t, 1.0, testutil.ToFloat64(w.flushes))
}

func TestWriter_FlushWithRetry(t *testing.T) {
	exec := &fakeExecutor{fail: 2, err: errors.New("busy")}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)
	w.Write([]types.OutputDelta{joined(1, 10, "x", 1)})

	require.NoError(t, w.FlushWithRetry(context.Background()))
	require.Len(t, exec.calls, 3)
	require.Equal(t, 0, w.Pending())
}

func TestWriter_FlushWithRetryGivesUp(t *testing.T) {
	exec := &fakeExecutor{fail: 100, err: errors.New("down")}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)
	w.Write([]types.OutputDelta{joined(1, 10, "x", 1)})

	err := w.FlushWithRetry(context.Background())
	require.True(t, types.IsSinkWrite(err), "got %v", err)
	require.Len(t, exec.calls, 3)
	require.Equal(t, 1, w.Pending())
}

func TestWriter_FlushWithRetryCanceled(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewWriter(testConfig(), exec, log.NewNopLogger(), nil)
	w.Write([]types.OutputDelta{joined(1, 10, "x", 1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.FlushWithRetry(ctx), context.Canceled)
	require.Equal(t, 1, w.Pending())
}
