package observability

import (
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("ansd", "GET", "/health", 200, 12*time.Millisecond)
	RecordCommand("admin", "get_num_boards", "ok", 40*time.Microsecond)
	RecordHandshake("board", "invalid_peer_id")
	RecordDiscoveryRequest("answered")
	RecordConnectionRejected("pool_overload")

	SetPeersActive(3)
	if got := testutil.ToFloat64(peersActive); got != 3 {
		t.Fatalf("peers gauge got=%v", got)
	}
	ConnectionOpened("admin")
	ConnectionOpened("admin")
	ConnectionClosed("admin")
	if got := testutil.ToFloat64(connectionsActive.WithLabelValues("admin")); got != 1 {
		t.Fatalf("connections gauge got=%v", got)
	}
}
