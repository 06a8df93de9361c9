package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("metrics already registered by another test")
	}
	IncWorkerStart("s", "q")
	if got := testutil.ToFloat64(workerStarts.WithLabelValues("s", "q")); got != 0 {
		t.Fatalf("expected no-op before Register, got %v", got)
	}
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be a no-op: %v", err)
	}

	IncWorkerStart("web:supervisor-1", "default")
	IncWorkerRestart("web:supervisor-1", "default")
	IncWorkerKill("web:supervisor-1")
	SetPoolProcesses("web:supervisor-1", "default", 3)
	RecordScale("web:supervisor-1", "default", 2)
	RecordScale("web:supervisor-1", "default", -1)
	RecordScale("web:supervisor-1", "default", 0)
	SetPaused("web:supervisor-1", true)
	IncTickError("heartbeat")
	ObserveTick(0.01)
	AddOrphansSignalled("expired", 2)

	if got := testutil.ToFloat64(poolProcesses.WithLabelValues("web:supervisor-1", "default")); got != 3 {
		t.Fatalf("pool processes=%v", got)
	}
	if got := testutil.ToFloat64(scaleEvents.WithLabelValues("web:supervisor-1", "default", "up")); got != 1 {
		t.Fatalf("scale up=%v", got)
	}
	if got := testutil.ToFloat64(paused.WithLabelValues("web:supervisor-1")); got != 1 {
		t.Fatalf("paused=%v", got)
	}
	if got := testutil.ToFloat64(orphansSignalled.WithLabelValues("expired")); got != 2 {
		t.Fatalf("orphans=%v", got)
	}

	n, err := testutil.GatherAndCount(reg, "horizon_master_tick_errors_total")
	if err != nil || n != 1 {
		t.Fatalf("tick errors series=%d err=%v", n, err)
	}
}

func TestHandlerServes(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", rr.Code)
	}
}
