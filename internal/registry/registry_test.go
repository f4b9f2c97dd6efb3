package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/tick"
)

type fakeUpstream struct {
	mu        sync.Mutex
	nextRid   uint32
	refcounts map[string]int
	rids      map[string]uint32
	unsubbed  []uint32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{refcounts: make(map[string]int), rids: make(map[string]uint32)}
}

func (f *fakeUpstream) key(cid uint32, tt tick.Type) string {
	return tick.StreamID(cid, tt, 0, 0)
}

func (f *fakeUpstream) Subscribe(cid uint32, tt tick.Type) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(cid, tt)
	if rid, ok := f.rids[k]; ok {
		f.refcounts[k]++
		return rid, nil
	}
	f.nextRid++
	f.rids[k] = f.nextRid
	f.refcounts[k] = 1
	return f.nextRid, nil
}

func (f *fakeUpstream) Unsubscribe(rid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, r := range f.rids {
		if r == rid {
			f.refcounts[k]--
			if f.refcounts[k] <= 0 {
				delete(f.rids, k)
				delete(f.refcounts, k)
				f.unsubbed = append(f.unsubbed, rid)
			}
			return nil
		}
	}
	return nil
}

func newTestRegistry() (*Registry, *fakeUpstream) {
	up := newFakeUpstream()
	r := New(up, Limits{MaxStreams: 50, MaxStreamsPerWSConn: 20, BufferSize: 10}, zerolog.Nop())
	return r, up
}

func TestCreateAndPublishDeliversToSubscriber(t *testing.T) {
	r, _ := newTestRegistry()
	sub, err := r.Create(CreateParams{Cid: 12345, Tt: tick.Last, Limit: NoLimit, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Publish(&tick.Message{Cid: 12345, Tt: tick.Last, Rid: sub.Rid})

	select {
	case ev := <-sub.Events:
		if ev.Kind != EventTick {
			t.Fatalf("expected tick event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick event")
	}
}

func TestTwoSubscriptionsShareUpstreamRequest(t *testing.T) {
	r, up := newTestRegistry()
	a, err := r.Create(CreateParams{Cid: 1, Tt: tick.BidAsk, Limit: NoLimit, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := r.Create(CreateParams{Cid: 1, Tt: tick.BidAsk, Limit: NoLimit, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if a.Rid != b.Rid {
		t.Fatalf("expected shared rid, got %d and %d", a.Rid, b.Rid)
	}

	r.Cancel(a.StreamID)
	if len(up.unsubbed) != 0 {
		t.Fatalf("expected no upstream unsubscribe yet, refcount should be 1")
	}
	r.Cancel(b.StreamID)
	if len(up.unsubbed) != 1 {
		t.Fatalf("expected exactly one upstream unsubscribe after both cancelled, got %d", len(up.unsubbed))
	}
}

func TestLimitZeroCompletesImmediately(t *testing.T) {
	r, _ := newTestRegistry()
	sub, err := r.Create(CreateParams{Cid: 1, Tt: tick.Last, Limit: 0, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ev := <-sub.Events
	if ev.Kind != EventComplete || ev.Reason != "limit_reached" || ev.TotalTicks != 0 {
		t.Fatalf("expected immediate limit_reached complete with 0 ticks, got %+v", ev)
	}
}

func TestTimeoutZeroCompletesImmediately(t *testing.T) {
	r, _ := newTestRegistry()
	sub, err := r.Create(CreateParams{Cid: 1, Tt: tick.Last, Limit: NoLimit, Timeout: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ev := <-sub.Events
	if ev.Kind != EventComplete || ev.Reason != "timeout" {
		t.Fatalf("expected immediate timeout complete, got %+v", ev)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r, up := newTestRegistry()
	sub, err := r.Create(CreateParams{Cid: 1, Tt: tick.Last, Limit: NoLimit, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Cancel(sub.StreamID)
	r.Cancel(sub.StreamID)
	if len(up.unsubbed) != 1 {
		t.Fatalf("expected exactly one upstream unsubscribe across two cancels, got %d", len(up.unsubbed))
	}
}

func TestEmptyTickTypeRejected(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Create(CreateParams{Cid: 1, Tt: "", Limit: NoLimit, Timeout: NoTimeout}); err == nil {
		t.Fatalf("expected INVALID_TICK_TYPE error")
	}
}

func TestProcessStreamCap(t *testing.T) {
	up := newFakeUpstream()
	r := New(up, Limits{MaxStreams: 1, MaxStreamsPerWSConn: 20, BufferSize: 10}, zerolog.Nop())
	if _, err := r.Create(CreateParams{Cid: 1, Tt: tick.Last, Limit: NoLimit, Timeout: NoTimeout}); err != nil {
		t.Fatalf("first create should succeed: %v", err)
	}
	if _, err := r.Create(CreateParams{Cid: 2, Tt: tick.Last, Limit: NoLimit, Timeout: NoTimeout}); err == nil {
		t.Fatalf("expected STREAM_LIMIT_REACHED on second create")
	}
}

func TestSlowConsumerOverflowClosesSubscription(t *testing.T) {
	up := newFakeUpstream()
	r := New(up, Limits{MaxStreams: 50, MaxStreamsPerWSConn: 20, BufferSize: 1}, zerolog.Nop())
	sub, err := r.Create(CreateParams{Cid: 1, Tt: tick.Last, Limit: NoLimit, Timeout: NoTimeout})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Fill the single-slot buffer, then publish again to force overflow.
	r.Publish(&tick.Message{Cid: 1, Tt: tick.Last, Rid: sub.Rid})
	r.Publish(&tick.Message{Cid: 1, Tt: tick.Last, Rid: sub.Rid})

	var sawError bool
	for i := 0; i < 3; i++ {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break
			}
			if ev.Kind == EventError && ev.Code == tick.CodeSlowConsumer {
				sawError = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawError {
		t.Fatalf("expected SLOW_CONSUMER error event on overflow")
	}
}
