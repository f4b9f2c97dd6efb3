package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/tick"
)

func f(v float64) *float64 { return &v }

func TestJSONBackendAppendThenQueryRoundTrip(t *testing.T) {
	root := t.TempDir()
	b := NewBackend("text/compact", root, jsonCodec{verbose: false}, 100, 10*time.Millisecond, 1<<20, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := uint64(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).UnixMicro())
	var want []*tick.Message
	for i := 0; i < 5; i++ {
		m := &tick.Message{
			Ts: base + uint64(i)*1000, St: base + uint64(i)*1000, Cid: 711280073, Tt: tick.BidAsk, Rid: 1,
			BidPrice: f(100 + float64(i)), AskPrice: f(101 + float64(i)),
		}
		want = append(want, m)
		b.Store(Envelope{Cid: m.Cid, Tt: m.Tt, Ts: m.Ts, FormatVersion: "compact", Compact: m})
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	b.Stop()

	got, err := b.QueryRange(QueryParams{Cid: 711280073, Tts: []tick.Type{tick.BidAsk}, T0: base, T1: base + 10000})
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}

	var results []*tick.Message
	for {
		m, err := got.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		results = append(results, m)
	}

	if len(results) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(results))
	}
	for i, m := range results {
		if m.Ts != want[i].Ts || *m.BidPrice != *want[i].BidPrice {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, m, want[i])
		}
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	m := &tick.Message{
		Ts: 1754008313000000, St: 1754008313050000, Cid: 711280073, Tt: tick.BidAsk, Rid: 3520,
		BidPrice: f(23260.0), BidSize: f(4), AskPrice: f(23260.5), AskSize: f(2),
	}
	payload := marshalTickWire(m)
	back, err := unmarshalTickWire(payload)
	if err != nil {
		t.Fatalf("unmarshalTickWire: %v", err)
	}
	if back.Cid != m.Cid || back.Rid != m.Rid || *back.BidPrice != *m.BidPrice {
		t.Fatalf("binary round trip mismatch: got %+v want %+v", back, m)
	}
	if back.BidPastLow || back.AskPastHigh {
		t.Fatalf("expected omitted false booleans to decode as false")
	}
}
