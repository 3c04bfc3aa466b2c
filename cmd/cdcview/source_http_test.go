package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/cdcview/internal/dbsp/capture"
)

func newTestHTTPSource(t *testing.T) (*httptest.Server, *capture.Hub, *capture.Source) {
	t.Helper()
	s, err := NewHTTPSource(map[string]interface{}{"path": "/ingest"}, log.NewNopLogger())
	require.NoError(t, err)

	tables := []string{"customers", "orders"}
	hub := capture.NewHub(16)
	src := capture.NewSource(hub, tables, 0, log.NewNopLogger(), nil)
	tx := capture.NewTransactor(hub, tables, log.NewNopLogger())

	srv := httptest.NewServer(s.handler(tx))
	t.Cleanup(srv.Close)
	return srv, hub, src
}

func TestHTTPSource_PublishesTransactions(t *testing.T) {
	srv, _, src := newTestHTTPSource(t)

	body := `[
		{"action":"B","xid":5},
		{"action":"I","xid":5,"table":"customers","columns":[{"name":"id","value":1},{"name":"name","value":"ann"}]},
		{"action":"I","xid":5,"table":"audit","columns":[{"name":"id","value":1}]},
		{"action":"C","xid":5}
	]`
	resp, err := http.Post(srv.URL+"/ingest", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batches := src.Fetch()
	require.Len(t, batches, 2)
	changes := map[string]int{}
	for _, b := range batches {
		require.Equal(t, uint64(5), b.XID)
		changes[b.Table] = len(b.Changes)
	}
	require.Equal(t, map[string]int{"customers": 1, "orders": 0}, changes)
	require.Equal(t, uint64(5), src.Watermark())
}

func TestHTTPSource_AcceptsNDJSON(t *testing.T) {
	srv, _, src := newTestHTTPSource(t)

	body := "{\"action\":\"B\",\"xid\":1}\n{\"action\":\"I\",\"columns\":[{\"name\":\"id\",\"value\":10}]}\n{\"action\":\"C\"}\n"
	resp, err := http.Post(srv.URL+"/ingest?table=orders", "application/x-ndjson", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batches := src.Fetch()
	require.Len(t, batches, 2)
	for _, b := range batches {
		if b.Table == "orders" {
			require.Len(t, b.Changes, 1)
			require.Equal(t, uint64(1), b.Changes[0].XID)
		}
	}
}

func TestHTTPSource_RejectsBadRequests(t *testing.T) {
	srv, hub, _ := newTestHTTPSource(t)

	resp, err := http.Get(srv.URL + "/ingest")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/ingest", "application/json", strings.NewReader(`[{"xid":1}]`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	hub.Close()
	resp, err = http.Post(srv.URL+"/ingest", "application/json", strings.NewReader(`[{"action":"I","xid":2,"table":"orders","columns":[{"name":"id","value":1}]}]`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
