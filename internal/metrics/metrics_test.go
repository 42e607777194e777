package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.RequestHandled("placeBid", "ok")
	m.RequestHandled("placeBid", "bid_too_low")
	m.RequestHandled("openAuction", "ok")
	m.BidPlaced(true)
	m.BidPlaced(false)
	m.AuctionOpened()
	m.AuctionClosed(CloseEvent{ID: "a", Winner: "Bob", Amount: 15})
	m.ConnectionsChanged(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("placeBid", "bid_too_low")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.bids.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opened))
	require.Equal(t, 3.0, testutil.ToFloat64(m.conns))

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Requests["placeBid"])
	require.Equal(t, uint64(1), snap.Failures["bid_too_low"])
	require.Equal(t, uint64(1), snap.Opened)
	require.Equal(t, uint64(1), snap.Closed)
	require.Equal(t, uint64(1), snap.BidsAccepted)
	require.Equal(t, uint64(1), snap.BidsRejected)
	require.Equal(t, int64(3), snap.CurrentConns)
	require.Len(t, snap.Recent, 1)
	require.Equal(t, "Bob", snap.Recent[0].Winner)
	require.False(t, snap.Recent[0].At.IsZero())
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(CloseEvent{ID: "1"})
	r.Add(CloseEvent{ID: "2"})
	r.Add(CloseEvent{ID: "3"})
	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "2", list[0].ID)
	require.Equal(t, "3", list[1].ID)
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.AuctionOpened()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, uint64(1), snap.Opened)
	require.NoError(t, m.WriteSnapshot(""))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.BidPlaced(true)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `auction_bids_total{result="accepted"} 1`), body)
	require.Contains(t, body, "auction_inbound_connections")
}
