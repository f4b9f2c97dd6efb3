// Package httpapi wires the gateway's HTTP surface together: health,
// the SSE/WS delivery front-ends, the historical replay endpoint, and the
// Prometheus /metrics endpoint. Grounded on the teacher's server.go route
// table (one ServeMux, one set of HandleFunc registrations).
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lakowske/ib-stream/internal/broker"
	"github.com/lakowske/ib-stream/internal/metrics"
	"github.com/lakowske/ib-stream/internal/ratelimit"
	"github.com/lakowske/ib-stream/internal/sseapi"
	"github.com/lakowske/ib-stream/internal/wsapi"
)

// HealthStatus is the §6 /health response shape.
type HealthStatus struct {
	Service      string         `json:"service"`
	Status       string         `json:"status"`
	TWSConnected bool           `json:"tws_connected"`
	ClientID     int            `json:"client_id"`
	Storage      map[string]any `json:"storage"`
}

// Deps bundles everything the route table needs; each field is already
// fully constructed by the caller (cmd/ib-stream-gateway).
type Deps struct {
	Session      *broker.Session
	SSE          *sseapi.Handler
	WS           *wsapi.Handler
	Guard        *ratelimit.Guard
	Metrics      *metrics.Registry
	ClientID     int
	StorageOn    bool
	shuttingDown atomic.Bool
}

// NewMux builds the complete route table (§6 External Interfaces).
func NewMux(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /stream/{cid}/{tt}", d.gate(d.SSE.ServeSingle))
	mux.HandleFunc("GET /stream/{cid}", d.gate(d.SSE.ServeMulti))
	mux.HandleFunc("GET /buffer/{cid}/query", d.SSE.ServeBuffer)
	mux.HandleFunc("GET /ws/stream", d.gate(d.WS.ServeStream))
	mux.HandleFunc("GET /ws/control", d.WS.ServeControl)
	mux.HandleFunc("GET /stats", d.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// handleStats is the §6 minimal health-counter endpoint: subscription
// counts, upstream state, per-backend queue depth, write error count, and
// newest-file age, as plain JSON (distinct from the Prometheus /metrics
// surface).
func (d *Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"total_streams": 0,
	}
	if d.SSE != nil && d.SSE.Registry != nil {
		stats["total_streams"] = d.SSE.Registry.TotalStreams()
	}
	if d.Session != nil {
		stats["upstream_state"] = d.Session.State().String()
		stats["orphan_ticks"] = d.Session.OrphanTicks()
	}
	if d.SSE != nil && d.SSE.Store != nil {
		backends := make([]map[string]any, 0, len(d.SSE.Store.Backends()))
		for _, b := range d.SSE.Store.Backends() {
			entry := map[string]any{
				"name":         b.Name,
				"queue_depth":  b.QueueDepth(),
				"write_errors": b.WriteErrors(),
			}
			if age, ok := b.NewestFileAge(); ok {
				entry["newest_file_age_seconds"] = age.Seconds()
			}
			backends = append(backends, entry)
		}
		stats["storage_backends"] = backends
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{
			Service: "ib-stream", Status: "unhealthy", ClientID: d.ClientID,
			Storage: map[string]any{"enabled": d.StorageOn},
		})
		return
	}

	status := "healthy"
	connected := false
	if d.Session != nil {
		switch d.Session.State() {
		case broker.StateOpen:
			connected = true
		case broker.StateReconnecting, broker.StateConnecting:
			status = "degraded"
		case broker.StateFailed, broker.StateClosed:
			status = "unhealthy"
		}
	}

	storageHealth := "disabled"
	if d.StorageOn {
		storageHealth = "healthy"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthStatus{
		Service: "ib-stream", Status: status, TWSConnected: connected, ClientID: d.ClientID,
		Storage: map[string]any{"enabled": d.StorageOn, "health": storageHealth},
	})
}

// gate rejects a new stream/socket with 503 when the resource guard says the
// process is overloaded, mirroring the teacher's ShouldAcceptConnection
// admission check ahead of the WebSocket upgrade.
func (d *Deps) gate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Guard != nil {
			if ok, reason := d.Guard.AllowNewSubscription(); !ok {
				http.Error(w, "server overloaded: "+reason, http.StatusServiceUnavailable)
				return
			}
		}
		next(w, r)
	}
}

// SetShuttingDown flips the health endpoint to unhealthy during graceful
// shutdown, before new connections stop being accepted (§5).
func (d *Deps) SetShuttingDown() { d.shuttingDown.Store(true) }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
