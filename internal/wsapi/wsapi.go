// Package wsapi implements the WebSocket Delivery front-end (§4.7):
// /ws/stream (data, many subscriptions multiplexed over one socket) and
// /ws/control (stats).
//
// Grounded on the teacher's handlers_ws.go (upgrade path) and
// pump_read.go/pump_write.go (the read/write task split): one reader task
// parses subscribe/unsubscribe/ping, one writer task drains per-subscription
// queues into the socket. Per-stream ordering is exact (each subscription
// has exactly one pump goroutine reading it in order); ordering across
// streams over the same socket is best-effort, same as the teacher's single
// shared send channel.
package wsapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/registry"
)

const (
	writeWait = 10 * time.Second
	pingWait  = 60 * time.Second
)

// clientMessage is the union of every client->server shape in §4.7.
type clientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type subscribeData struct {
	ContractID uint32   `json:"contract_id"`
	TickTypes  []string `json:"tick_types"`
	Config     struct {
		TimeoutSeconds *int `json:"timeout_seconds"`
	} `json:"config"`
}

type unsubscribeData struct {
	StreamID string `json:"stream_id"`
}

// Handler serves /ws/stream and /ws/control.
type Handler struct {
	Registry *registry.Registry
	Logger   zerolog.Logger

	mu          sync.Mutex
	connections int64
}

// ServeStream upgrades to WebSocket and runs the read/write pumps for one
// connection (§4.7).
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.Logger.Error().Err(err).Msg("wsapi: upgrade failed")
		return
	}

	connID := strconv.FormatInt(time.Now().UnixNano(), 36)
	c := &connClient{
		conn: conn, registry: h.Registry, connID: connID,
		logger: h.Logger, out: make(chan []byte, 256), subs: make(map[string]*registry.Subscription),
	}

	h.mu.Lock()
	h.connections++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.connections--
		h.mu.Unlock()
	}()

	c.writeJSON(map[string]any{"type": "connected", "timestamp": now(), "data": map[string]any{}})

	go c.writePump()
	c.readPump(h)
}

// ServeControl handles GET /ws/control (stats, upgraded to a long-lived
// socket that answers get_stats requests).
func (h *Handler) ServeControl(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.Logger.Error().Err(err).Msg("wsapi: control upgrade failed")
		return
	}
	defer conn.Close()

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil || op == ws.OpClose {
			return
		}
		var cm clientMessage
		if json.Unmarshal(msg, &cm) != nil || cm.Type != "get_stats" {
			continue
		}
		h.mu.Lock()
		stats := map[string]any{"connections": h.connections, "total_streams": h.Registry.TotalStreams()}
		h.mu.Unlock()
		body, _ := json.Marshal(map[string]any{"type": "stats", "id": cm.ID, "data": stats})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		wsutil.WriteServerMessage(conn, ws.OpText, body)
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
