package wsapi

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/tick"
)

// connClient is one upgraded /ws/stream socket: one reader task, one writer
// task, and one pump goroutine per active subscription (§4.7/§5).
type connClient struct {
	conn     net.Conn
	registry *registry.Registry
	connID   string
	logger   zerolog.Logger

	out chan []byte

	mu   sync.Mutex
	subs map[string]*registry.Subscription
}

// readPump parses client->server control messages until the socket closes,
// at which point every associated subscription is cancelled with no
// complete event sent, per §4.7 "Cancellation".
func (c *connClient) readPump(h *Handler) {
	defer func() {
		c.mu.Lock()
		ids := make([]string, 0, len(c.subs))
		for id := range c.subs {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.registry.Cancel(id)
		}
		close(c.out)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pingWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pingWait))
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText {
			continue
		}

		var cm clientMessage
		if json.Unmarshal(msg, &cm) != nil {
			continue
		}

		switch cm.Type {
		case "subscribe":
			c.handleSubscribe(h, cm)
		case "unsubscribe":
			c.handleUnsubscribe(cm)
		case "ping":
			c.writeJSON(map[string]any{"type": "pong", "id": cm.ID, "timestamp": now()})
		default:
			c.logger.Warn().Str("type", cm.Type).Msg("wsapi: unknown client message type")
		}
	}
}

func (c *connClient) handleSubscribe(h *Handler, cm clientMessage) {
	var data subscribeData
	if json.Unmarshal(cm.Data, &data) != nil || len(data.TickTypes) == 0 {
		c.writeJSON(map[string]any{"type": "error", "id": cm.ID, "data": map[string]any{
			"code": tick.CodeInvalidTickType, "message": "tick_types is required", "recoverable": false,
		}})
		return
	}

	timeout := registry.NoTimeout
	if data.Config.TimeoutSeconds != nil {
		timeout = time.Duration(*data.Config.TimeoutSeconds) * time.Second
	}

	type created struct {
		StreamID   string `json:"stream_id"`
		ContractID uint32 `json:"contract_id"`
		TickType   string `json:"tick_type"`
	}
	var streams []created

	for _, ttRaw := range data.TickTypes {
		sub, err := c.registry.Create(registry.CreateParams{
			Cid: data.ContractID, Tt: tick.Type(ttRaw), ConnID: c.connID,
			Limit: registry.NoLimit, Timeout: timeout,
		})
		if err != nil {
			c.writeJSON(map[string]any{"type": "error", "id": cm.ID, "data": map[string]any{
				"code": wireCode(err), "message": err.Error(), "recoverable": false,
			}})
			continue
		}

		c.mu.Lock()
		c.subs[sub.StreamID] = sub
		c.mu.Unlock()
		go c.pumpSubscription(sub)

		streams = append(streams, created{StreamID: sub.StreamID, ContractID: data.ContractID, TickType: ttRaw})
	}

	c.writeJSON(map[string]any{"type": "subscribed", "id": cm.ID, "data": map[string]any{"streams": streams}})
}

func (c *connClient) handleUnsubscribe(cm clientMessage) {
	var data unsubscribeData
	if json.Unmarshal(cm.Data, &data) != nil {
		return
	}
	c.registry.Cancel(data.StreamID)
	c.mu.Lock()
	delete(c.subs, data.StreamID)
	c.mu.Unlock()
}

// pumpSubscription is one subscription's dedicated pump: it preserves
// broker-arrival order for this stream_id while racing, via the shared out
// channel, against every other subscription's pump on the same socket
// (§5 ordering: exact per-stream, best-effort across streams).
func (c *connClient) pumpSubscription(s *registry.Subscription) {
	for ev := range s.Events {
		var msg map[string]any
		switch ev.Kind {
		case registry.EventTick:
			msg = map[string]any{"type": "tick", "stream_id": s.StreamID, "timestamp": now(), "data": ev.Msg.ToVerbose(s.StreamID).Data}
		case registry.EventComplete:
			msg = map[string]any{"type": "complete", "stream_id": s.StreamID, "data": map[string]any{
				"reason": ev.Reason, "total_ticks": ev.TotalTicks, "duration_seconds": ev.DurationSeconds,
			}}
		case registry.EventError:
			msg = map[string]any{"type": "error", "stream_id": s.StreamID, "data": map[string]any{
				"code": ev.Code, "message": ev.Message, "recoverable": ev.Recoverable,
			}}
		case registry.EventInfo:
			msg = map[string]any{"type": "info", "stream_id": s.StreamID, "data": map[string]string{"status": ev.Status}}
		}
		body, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.out <- body:
		case <-time.After(writeWait):
			return // writer pump is gone or wedged; drop, readPump cleanup will cancel us
		}
	}

	c.mu.Lock()
	delete(c.subs, s.StreamID)
	c.mu.Unlock()
}

// writePump is the socket's single writer task: every subscription pump and
// every control reply funnels through c.out (§5: "each WS connection is one
// reader task and one writer task").
func (c *connClient) writePump() {
	ticker := time.NewTicker(pingWait / 2)
	defer ticker.Stop()

	for {
		select {
		case body, ok := <-c.out:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, body); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (c *connClient) writeJSON(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- body:
	default:
	}
}

func wireCode(err error) tick.Code {
	if we, ok := err.(*tick.WireError); ok {
		return we.Code
	}
	return tick.CodeInvalidTickType
}
