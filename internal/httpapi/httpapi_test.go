package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/ratelimit"
)

func alwaysRejectGuard(t *testing.T) *ratelimit.Guard {
	t.Helper()
	g, err := ratelimit.New(ratelimit.Config{MaxStreams: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	g.TrackAdmitted()
	return g
}

func TestHandleHealthReportsHealthyWithNoSession(t *testing.T) {
	d := &Deps{ClientID: 101, StorageOn: true}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	d.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", got.Status)
	}
}

func TestHandleHealthReportsUnhealthyWhenShuttingDown(t *testing.T) {
	d := &Deps{ClientID: 101}
	d.SetShuttingDown()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	d.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleStatsReportsZeroStreamsWithNoRegistry(t *testing.T) {
	d := &Deps{}
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	d.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["total_streams"] != float64(0) {
		t.Fatalf("expected total_streams 0, got %v", got["total_streams"])
	}
}

func TestGateRejectsWhenGuardDisallows(t *testing.T) {
	d := &Deps{Guard: alwaysRejectGuard(t)}
	called := false
	h := d.gate(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/ws/stream", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if called {
		t.Fatalf("expected downstream handler not to run")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
