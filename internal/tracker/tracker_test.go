package tracker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/config"
	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/tick"
)

type fakeUpstream struct {
	subscribed atomic.Int64
	failNext   atomic.Bool
}

func (f *fakeUpstream) Subscribe(cid uint32, tt tick.Type) (uint32, error) {
	f.subscribed.Add(1)
	return uint32(f.subscribed.Load()), nil
}
func (f *fakeUpstream) Unsubscribe(rid uint32) error { return nil }

func TestTrackerCreatesOneSubscriptionPerTrackedTickType(t *testing.T) {
	up := &fakeUpstream{}
	reg := registry.New(up, registry.Limits{MaxStreams: 10, MaxStreamsPerWSConn: 10, BufferSize: 10}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contracts := []config.TrackedContract{{ContractID: 711280073, TickTypes: []string{"bid_ask", "last"}}}
	tr := New(reg, contracts, 10*time.Millisecond, func() bool { return true }, zerolog.Nop())
	tr.Run(ctx)

	deadline := time.After(time.Second)
	for {
		if up.subscribed.Load() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 upstream subscriptions, got %d", up.subscribed.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTrackerWaitsForUpstreamOpenBeforeCreating(t *testing.T) {
	up := &fakeUpstream{}
	reg := registry.New(up, registry.Limits{MaxStreams: 10, MaxStreamsPerWSConn: 10, BufferSize: 10}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var open atomic.Bool
	contracts := []config.TrackedContract{{ContractID: 9, TickTypes: []string{"last"}}}
	tr := New(reg, contracts, 10*time.Millisecond, open.Load, zerolog.Nop())
	tr.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if up.subscribed.Load() != 0 {
		t.Fatalf("expected no subscriptions before upstream open, got %d", up.subscribed.Load())
	}

	open.Store(true)
	deadline := time.After(time.Second)
	for up.subscribed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected a subscription once upstream opened")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
