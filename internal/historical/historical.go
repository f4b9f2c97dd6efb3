// Package historical implements the Historical Range Query (§4.8): a thin
// adapter presenting the Append Store's lazy QueryRange cursor through the
// same SSE/WS envelope the live Delivery front-ends use.
//
// Grounded on the teacher's optimized_store.go query path (other_examples),
// generalized from an in-memory ring buffer read to a streaming cursor over
// internal/store's on-disk partitions.
package historical

import (
	"io"
	"time"

	"github.com/lakowske/ib-stream/internal/store"
	"github.com/lakowske/ib-stream/internal/tick"
)

// Params describes one bounded replay request (§4.8 inputs).
type Params struct {
	Cid            uint32
	Tts            []tick.Type
	T0, T1         uint64 // microseconds; T1 derived from BufferDuration when zero
	BufferDuration time.Duration
	Limit          int
	Format         string // "json" | "protobuf", selects the on-disk backend
}

// Cursor wraps a store.Cursor, additionally tracking the emitted count so
// callers can render the terminal complete(reason="complete", total_ticks).
type Cursor struct {
	inner   *store.Cursor
	emitted int64
	start   time.Time
}

// Open resolves [t0, t1] (applying BufferDuration when T1 is zero, per
// §4.8: "or buffer_duration if t1 omitted, interpreted as [now-duration,
// now]") and opens a lazy streaming cursor over the Store.
func Open(st *store.Store, p Params) (*Cursor, error) {
	t0, t1 := p.T0, p.T1
	if t1 == 0 {
		now := uint64(time.Now().UnixMicro())
		t1 = now
		t0 = now - uint64(p.BufferDuration.Microseconds())
	}

	inner, err := st.QueryRange(p.Format, store.QueryParams{
		Cid: p.Cid, Tts: p.Tts, T0: t0, T1: t1, Limit: p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: inner, start: time.Now()}, nil
}

// Next returns the next record, or (nil, io.EOF) once the range is
// exhausted, at which point the caller should emit complete(reason=
// "complete", total_ticks=Emitted()).
func (c *Cursor) Next() (*tick.Message, error) {
	msg, err := c.inner.Next()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	c.emitted++
	return msg, nil
}

// Emitted is the running count of records produced so far.
func (c *Cursor) Emitted() int64 { return c.emitted }

// Elapsed is the wall-clock duration since Open, for duration_seconds.
func (c *Cursor) Elapsed() time.Duration { return time.Since(c.start) }

// Close releases any still-open partition file handles.
func (c *Cursor) Close() { c.inner.Close() }
