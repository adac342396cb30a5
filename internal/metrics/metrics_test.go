package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionCreated(true)
	m.RecordMiss("ai", "audio")
	m.RecordCallEnded("ended", time.Second)
}

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New("")

	m.RecordSessionCreated(false)
	m.RecordSessionCreated(true)
	m.RecordSessionRemoved("timeout")
	m.RecordMiss("ai", "audio")
	m.RecordMiss("ai", "audio")
	m.RecordConnectionOpened("telephony", true)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("lazy")); got != 1 {
		t.Fatalf("expected 1 lazy session, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoutingMisses.WithLabelValues("ai", "audio")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsReplaced.WithLabelValues("telephony")); got != 1 {
		t.Fatalf("expected 1 replacement, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("bridge")
	m.RecordTakeover()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "bridge_takeovers_total 1") {
		t.Fatalf("metrics output missing takeover counter:\n%s", body)
	}
}
