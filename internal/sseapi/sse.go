// Package sseapi implements the SSE Delivery front-end (§4.6): one HTTP
// response per task, `event:`/`id:`/`data:` framing, a 30s heartbeat, and
// the per-response overflow policy of disconnecting with SLOW_CONSUMER.
//
// Grounded on the teacher's writePump (internal/shared/pump_write.go): a
// single task draining a subscription's bounded channel and ticking a
// heartbeat timer alongside it.
package sseapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/store"
	"github.com/lakowske/ib-stream/internal/tick"
)

const heartbeatInterval = 30 * time.Second

// Handler serves the SSE endpoints over a Registry and, for the historical
// replay endpoint, a Store.
type Handler struct {
	Registry *registry.Registry
	Store    *store.Store
	Logger   zerolog.Logger
}

// envelope is the verbose JSON wire message of §4.6.
type envelope struct {
	Type      string `json:"type"`
	StreamID  string `json:"stream_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// ServeSingle handles GET /stream/{cid}/{tt}.
func (h *Handler) ServeSingle(w http.ResponseWriter, r *http.Request) {
	cid, err := parseCid(r.PathValue("cid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tt := r.PathValue("tt")
	h.stream(w, r, cid, []string{tt}, parseTimeoutSeconds(r), parseLimit(r))
}

// ServeMulti handles GET /stream/{cid}?tick_types=tt1,tt2.
func (h *Handler) ServeMulti(w http.ResponseWriter, r *http.Request) {
	cid, err := parseCid(r.PathValue("cid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw := r.URL.Query().Get("tick_types")
	if raw == "" {
		http.Error(w, "tick_types is required", http.StatusBadRequest)
		return
	}
	h.stream(w, r, cid, strings.Split(raw, ","), parseTimeoutSeconds(r), parseLimit(r))
}

// timeoutParam and limitParam bundle a parsed query value with whether it
// was present at all, so "absent" can map to registry.NoTimeout/NoLimit
// without colliding with any value a caller could legitimately pass.
type timeoutParam struct {
	value time.Duration
	set   bool
}
type limitParam struct {
	value int
	set   bool
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, cid uint32, tts []string, timeout timeoutParam, limit limitParam) {
	if len(tts) == 0 || (len(tts) == 1 && tts[0] == "") {
		writeErrorBody(w, tick.CodeInvalidTickType, "tick types are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	type sub struct {
		subscription *registry.Subscription
		tt           string
	}
	var subs []sub
	for _, ttRaw := range tts {
		lim := registry.NoLimit
		if limit.set {
			lim = limit.value
		}
		to := registry.NoTimeout
		if timeout.set {
			to = timeout.value
		}
		s, err := h.Registry.Create(registry.CreateParams{
			Cid: cid, Tt: tick.Type(strings.TrimSpace(ttRaw)),
			Limit: lim, Timeout: to,
		})
		if err != nil {
			writeErrorBody(w, wireErrCode(err), err.Error())
			flusher.Flush()
			for _, s := range subs {
				h.Registry.Cancel(s.subscription.StreamID)
			}
			return
		}
		subs = append(subs, sub{subscription: s, tt: ttRaw})
		writeEvent(w, envelope{Type: "info", StreamID: s.StreamID, Timestamp: now(), Data: map[string]string{"status": "subscribed"}})
	}
	flusher.Flush()

	defer func() {
		for _, s := range subs {
			h.Registry.Cancel(s.subscription.StreamID)
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	cases := make(chan envelope, 64)
	done := make(chan struct{})
	for _, s := range subs {
		go h.pump(s.subscription, cases, done)
	}

	active := len(subs)
	ctx := r.Context()
	for active > 0 {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeEvent(w, envelope{Type: "info", Timestamp: now(), Data: map[string]string{"status": "heartbeat"}})
			flusher.Flush()
		case ev, ok := <-cases:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Type == "complete" || ev.Type == "error" {
				active--
			}
		}
	}
}

// pump drains one Subscription's Events channel into the shared envelope
// channel, translating each registry.Event into the wire envelope.
func (h *Handler) pump(s *registry.Subscription, out chan<- envelope, done chan struct{}) {
	seq := 0
	for ev := range s.Events {
		seq++
		switch ev.Kind {
		case registry.EventTick:
			out <- envelope{Type: "tick", StreamID: s.StreamID, Timestamp: now(), Data: ev.Msg.ToVerbose(s.StreamID).Data}
		case registry.EventComplete:
			out <- envelope{Type: "complete", StreamID: s.StreamID, Timestamp: now(), Data: map[string]any{
				"reason": ev.Reason, "total_ticks": ev.TotalTicks, "duration_seconds": ev.DurationSeconds,
			}}
		case registry.EventError:
			out <- envelope{Type: "error", StreamID: s.StreamID, Timestamp: now(), Data: map[string]any{
				"code": ev.Code, "message": ev.Message, "recoverable": ev.Recoverable,
			}}
		case registry.EventInfo:
			out <- envelope{Type: "info", StreamID: s.StreamID, Timestamp: now(), Data: map[string]string{"status": ev.Status}}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev envelope) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	if ev.StreamID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.StreamID)
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
}

func writeErrorBody(w http.ResponseWriter, code tick.Code, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, envelope{Type: "error", Timestamp: now(), Data: map[string]any{"code": code, "message": message, "recoverable": false}})
}

func wireErrCode(err error) tick.Code {
	if we, ok := err.(*tick.WireError); ok {
		return we.Code
	}
	return tick.CodeInvalidTickType
}

func parseCid(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid contract id %q", s)
	}
	return uint32(n), nil
}

func parseTimeoutSeconds(r *http.Request) timeoutParam {
	raw := r.URL.Query().Get("timeout_seconds")
	if raw == "" {
		return timeoutParam{}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return timeoutParam{}
	}
	return timeoutParam{value: time.Duration(n) * time.Second, set: true}
}

func parseLimit(r *http.Request) limitParam {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return limitParam{}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return limitParam{}
	}
	return limitParam{value: n, set: true}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
