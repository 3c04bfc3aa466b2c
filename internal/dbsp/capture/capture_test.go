package capture

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func batch(table string, xid uint64) RawBatch {
	return RawBatch{Table: table, XID: xid}
}

func TestHub_BroadcastToAllSubscribers(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("orders", nil)
	b := h.Subscribe("orders", nil)
	other := h.Subscribe("customers", nil)

	require.NoError(t, h.Publish(batch("orders", 1)))
	require.NoError(t, h.Publish(batch("orders", 2)))

	for _, s := range []*Subscription{a, b} {
		got, err := s.TryRecv()
		require.NoError(t, err)
		require.Equal(t, uint64(1), got.XID)
		got, err = s.TryRecv()
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.XID)
		_, err = s.TryRecv()
		require.ErrorIs(t, err, ErrEmpty)
	}
	_, err := other.TryRecv()
	require.ErrorIs(t, err, ErrEmpty)

	select {
	case <-a.Notify():
	default:
		t.Fatal("publish must wake subscribers")
	}
}

func TestHub_LaggedSubscriberResumesAtOldest(t *testing.T) {
	h := NewHub(2)
	s := h.Subscribe("orders", nil)
	for xid := uint64(1); xid <= 5; xid++ {
		require.NoError(t, h.Publish(batch("orders", xid)))
	}

	_, err := s.TryRecv()
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	require.Equal(t, uint64(3), lagged.Skipped)

	got, err := s.TryRecv()
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.XID)
	got, err = s.TryRecv()
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.XID)
}

func TestHub_CloseDrainsThenEnds(t *testing.T) {
	h := NewHub(4)
	s := h.Subscribe("orders", nil)
	require.NoError(t, h.Publish(batch("orders", 1)))
	h.Close()
	h.Close()

	require.ErrorIs(t, h.Publish(batch("orders", 2)), ErrClosed)
	got, err := s.TryRecv()
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.XID)
	_, err = s.TryRecv()
	require.ErrorIs(t, err, ErrClosed)
}

func TestHub_ConcurrentPublishers(t *testing.T) {
	h := NewHub(1024)
	s := h.Subscribe("orders", nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = h.Publish(batch("orders", uint64(i)))
			}
		}()
	}
	wg.Wait()
	h.Close()

	n := 0
	for {
		_, err := s.TryRecv()
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			break
		}
		n++
	}
	require.Equal(t, 400, n)
}

func TestSource_WatermarkAndHeartbeats(t *testing.T) {
	h := NewHub(8)
	src := NewSource(h, []string{"customers", "orders"}, 0, log.NewNopLogger(), nil)

	require.NoError(t, h.Publish(batch("customers", 5)))
	require.Len(t, src.Fetch(), 1)
	require.Equal(t, uint64(0), src.Watermark(), "orders has not reported yet")

	// an empty batch is a heartbeat that moves the table forward
	require.NoError(t, h.Publish(batch("orders", 3)))
	require.Len(t, src.Fetch(), 1)
	require.Equal(t, uint64(3), src.Watermark())

	require.NoError(t, h.Publish(batch("orders", 9)))
	src.Fetch()
	require.Equal(t, uint64(5), src.Watermark())
	require.Equal(t, uint64(9), src.Progress("orders"))

	require.False(t, src.Done())
	h.Close()
	require.Empty(t, src.Fetch())
	require.True(t, src.Done())
	require.Equal(t, uint64(9), src.Watermark())
}

func TestSource_CountsLag(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	h := NewHub(2)
	src := NewSource(h, []string{"orders"}, 0, log.NewNopLogger(), reg)

	for xid := uint64(1); xid <= 6; xid++ {
		require.NoError(t, h.Publish(batch("orders", xid)))
	}
	got := src.Fetch()
	require.Len(t, got, 2)
	require.Equal(t, uint64(5), got[0].XID)
	require.Equal(t, 4.0, testutil.ToFloat64(src.lagged.WithLabelValues("orders")))
}

func TestSource_MaxPerFetch(t *testing.T) {
	h := NewHub(8)
	src := NewSource(h, []string{"orders"}, 2, log.NewNopLogger(), nil)
	for xid := uint64(1); xid <= 3; xid++ {
		require.NoError(t, h.Publish(batch("orders", xid)))
	}
	require.Len(t, src.Fetch(), 2)
	require.Len(t, src.Fetch(), 1)
}

func TestSource_Wait(t *testing.T) {
	h := NewHub(8)
	src := NewSource(h, []string{"orders"}, 0, log.NewNopLogger(), nil)

	start := time.Now()
	require.NoError(t, src.Wait(context.Background(), 10*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	require.NoError(t, h.Publish(batch("orders", 1)))
	require.NoError(t, src.Wait(context.Background(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, src.Wait(ctx, time.Hour), context.Canceled)
}

const walStream = `
{"action":"B","xid":100,"nextlsn":"0/16B3748"}
{"action":"I","xid":100,"schema":"public","table":"customers","columns":[{"name":"id","type":"integer","value":1},{"name":"name","type":"text","value":"a"}],"pk":[{"name":"id","type":"integer"}]}
{"action":"C","xid":100}
{"action":"B","xid":101}
{"action":"U","xid":101,"table":"orders","columns":[{"name":"id","type":"integer","value":10},{"name":"customer_id","type":"integer","value":1}],"identity":[{"name":"id","type":"integer","value":10}]}
{"action":"I","xid":101,"table":"audit","columns":[{"name":"id","type":"integer","value":1}]}
{"action":"C","xid":101}
{"action":"D","xid":102,"table":"orders","identity":[{"name":"id","type":"integer","value":10}]}
`

type recorder struct{ batches []RawBatch }

func (r *recorder) Publish(b RawBatch) error {
	r.batches = append(r.batches, b)
	return nil
}

func TestDecodeRecords(t *testing.T) {
	records, err := DecodeRecords(strings.NewReader(walStream))
	require.NoError(t, err)
	require.Len(t, records, 8)

	ins := records[1].RawChange()
	require.Equal(t, "customers", ins.Table)
	require.Equal(t, uint64(100), ins.XID)
	require.Equal(t, []string{"id"}, ins.PrimaryKey)
	require.Equal(t, json.Number("1"), ins.Columns[0].Value)
	require.Equal(t, "a", ins.Columns[1].Value)

	arr, err := DecodeRecords(strings.NewReader(`[{"action":"B","xid":1},{"action":"C","xid":1}]`))
	require.NoError(t, err)
	require.Len(t, arr, 2)

	_, err = DecodeRecords(strings.NewReader("{\"xid\":1}\n"))
	require.ErrorContains(t, err, "line 1")
	_, err = DecodeRecords(strings.NewReader(`[{"xid":1}]`))
	require.Error(t, err)
	_, err = DecodeRecord([]byte(`{"action":`))
	require.Error(t, err)
}

func TestTransactor_GroupsAndHeartbeats(t *testing.T) {
	records, err := DecodeRecords(strings.NewReader(walStream))
	require.NoError(t, err)

	rec := &recorder{}
	tx := NewTransactor(rec, []string{"customers", "orders"}, log.NewNopLogger())
	require.NoError(t, tx.ApplyAll(records))

	type summary struct {
		table   string
		xid     uint64
		changes int
	}
	var got []summary
	for _, b := range rec.batches {
		got = append(got, summary{b.Table, b.XID, len(b.Changes)})
	}
	require.Equal(t, []summary{
		{"customers", 100, 1},
		{"orders", 100, 0},
		{"customers", 101, 0},
		{"orders", 101, 1},
		{"customers", 102, 0},
		{"orders", 102, 1},
	}, got)

	upd := rec.batches[3].Changes[0]
	require.Equal(t, "U", upd.Action)
	require.Equal(t, []types.Column{{Name: "id", Type: "integer", Value: json.Number("10")}}, upd.Identity)
}

func TestTransactor_PublishesIntoHub(t *testing.T) {
	h := NewHub(8)
	src := NewSource(h, []string{"customers", "orders"}, 0, log.NewNopLogger(), nil)
	tx := NewTransactor(h, []string{"customers", "orders"}, log.NewNopLogger())

	require.NoError(t, tx.Apply(Record{Action: "B", XID: 7}))
	require.NoError(t, tx.Apply(Record{Action: "I", XID: 7, Table: "orders", Columns: []types.Column{{Name: "id", Value: 1}}}))
	require.NoError(t, tx.Apply(Record{Action: "C", XID: 7}))

	require.Len(t, src.Fetch(), 2)
	require.Equal(t, uint64(7), src.Watermark())
}

func TestTransactor_StandaloneChangeAdvancesWatermark(t *testing.T) {
	h := NewHub(8)
	src := NewSource(h, []string{"customers", "orders"}, 0, log.NewNopLogger(), nil)
	tx := NewTransactor(h, []string{"customers", "orders"}, log.NewNopLogger())

	require.NoError(t, tx.Apply(Record{Action: "I", XID: 9, Table: "orders", Columns: []types.Column{{Name: "id", Value: 1}}}))

	changes := map[string]int{}
	for _, b := range src.Fetch() {
		require.Equal(t, uint64(9), b.XID)
		changes[b.Table] = len(b.Changes)
	}
	require.Equal(t, map[string]int{"customers": 0, "orders": 1}, changes)
	require.Equal(t, uint64(9), src.Watermark())
}
