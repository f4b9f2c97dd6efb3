package historical

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/store"
	"github.com/lakowske/ib-stream/internal/tick"
)

func f(v float64) *float64 { return &v }

func TestOpenAndReplayRange(t *testing.T) {
	root := t.TempDir()
	st := store.New(store.Options{
		Root: root, EnableJSON: true, EnableV3Storage: true,
		QueueSize: 100, FlushInterval: 10 * time.Millisecond, MaxFileSize: 1 << 20,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := uint64(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).UnixMicro())
	for i := 0; i < 3; i++ {
		st.StoreEnvelope(store.Envelope{
			Cid: 1, Tt: tick.BidAsk, Ts: base + uint64(i)*1000, FormatVersion: "compact",
			Compact: &tick.Message{Ts: base + uint64(i)*1000, St: base + uint64(i)*1000, Cid: 1, Tt: tick.BidAsk, Rid: 1, BidPrice: f(100 + float64(i))},
		})
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	st.Stop()

	cur, err := Open(st, Params{Cid: 1, Tts: []tick.Type{tick.BidAsk}, T0: base, T1: base + 5000, Format: "json"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cur.Close()

	var count int64
	for {
		_, err := cur.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected 3 records, got %d", count)
	}
	if cur.Emitted() != 3 {
		t.Fatalf("expected Emitted()==3, got %d", cur.Emitted())
	}
}
