package sseapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lakowske/ib-stream/internal/historical"
	"github.com/lakowske/ib-stream/internal/tick"
)

// ServeBuffer handles GET /buffer/{cid}/query (§4.8 historical replay, same
// SSE envelope as the live endpoints).
func (h *Handler) ServeBuffer(w http.ResponseWriter, r *http.Request) {
	cid, err := parseCid(r.PathValue("cid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	rawTts := q.Get("tick_types")
	if rawTts == "" {
		http.Error(w, "tick_types is required", http.StatusBadRequest)
		return
	}
	var tts []tick.Type
	for _, raw := range strings.Split(rawTts, ",") {
		tt, err := tick.ParseType(strings.TrimSpace(raw))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tts = append(tts, tt)
	}

	format := q.Get("format")
	if format == "" {
		format = "json"
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	params := historical.Params{Cid: cid, Tts: tts, Limit: limit, Format: format}
	if raw := q.Get("start_time"); raw != "" {
		t0, err := parseMicros(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.T0 = t0
	}
	if raw := q.Get("end_time"); raw != "" {
		t1, err := parseMicros(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.T1 = t1
	} else if raw := q.Get("buffer_duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.BufferDuration = d
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	cur, err := historical.Open(h.Store, params)
	if err != nil {
		writeEvent(w, envelope{Type: "error", Timestamp: now(), Data: map[string]any{"code": tick.CodeContractUnknown, "message": err.Error(), "recoverable": false}})
		flusher.Flush()
		return
	}
	defer cur.Close()

	ctx := r.Context()
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := cur.Next()
		if err != nil {
			break
		}
		streamID := tick.StreamID(msg.Cid, msg.Tt, msg.Ts/1000, msg.Rid)
		writeEvent(w, envelope{Type: "tick", StreamID: streamID, Timestamp: now(), Data: msg.ToVerbose(streamID).Data})
		flusher.Flush()
	}

	writeEvent(w, envelope{Type: "complete", Timestamp: now(), Data: map[string]any{
		"reason": "complete", "total_ticks": cur.Emitted(), "duration_seconds": cur.Elapsed().Seconds(),
	}})
	flusher.Flush()
}

func parseMicros(raw string) (uint64, error) {
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", raw)
	}
	return uint64(t.UnixMicro()), nil
}
