package wsapi

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/tick"
)

type fakeUpstream struct{ rid uint32 }

func (f *fakeUpstream) Subscribe(cid uint32, tt tick.Type) (uint32, error) {
	f.rid++
	return f.rid, nil
}
func (f *fakeUpstream) Unsubscribe(rid uint32) error { return nil }

func newTestClient(t *testing.T) (*connClient, *registry.Registry) {
	t.Helper()
	reg := registry.New(&fakeUpstream{}, registry.Limits{MaxStreams: 10, MaxStreamsPerWSConn: 10, BufferSize: 10}, zerolog.Nop())
	server, _ := net.Pipe()
	c := &connClient{
		conn: server, registry: reg, connID: "conn-1",
		logger: zerolog.Nop(), out: make(chan []byte, 16), subs: make(map[string]*registry.Subscription),
	}
	return c, reg
}

func TestHandleSubscribeCreatesOneStreamPerTickType(t *testing.T) {
	c, _ := newTestClient(t)
	data, _ := json.Marshal(subscribeData{ContractID: 711280073, TickTypes: []string{"bid_ask", "last"}})
	c.handleSubscribe(&Handler{Registry: c.registry, Logger: zerolog.Nop()}, clientMessage{Type: "subscribe", ID: "1", Data: data})

	select {
	case body := <-c.out:
		var reply map[string]any
		if err := json.Unmarshal(body, &reply); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if reply["type"] != "subscribed" {
			t.Fatalf("expected subscribed reply, got %v", reply["type"])
		}
		streams := reply["data"].(map[string]any)["streams"].([]any)
		if len(streams) != 2 {
			t.Fatalf("expected 2 streams, got %d", len(streams))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed reply")
	}

	if len(c.subs) != 2 {
		t.Fatalf("expected 2 tracked subscriptions, got %d", len(c.subs))
	}
}

func TestHandleSubscribeRejectsEmptyTickTypes(t *testing.T) {
	c, _ := newTestClient(t)
	data, _ := json.Marshal(subscribeData{ContractID: 1})
	c.handleSubscribe(&Handler{Registry: c.registry, Logger: zerolog.Nop()}, clientMessage{Type: "subscribe", ID: "1", Data: data})

	select {
	case body := <-c.out:
		var reply map[string]any
		json.Unmarshal(body, &reply)
		if reply["type"] != "error" {
			t.Fatalf("expected error reply, got %v", reply["type"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error reply")
	}
}

func TestHandleUnsubscribeRemovesTrackedSubscription(t *testing.T) {
	c, reg := newTestClient(t)
	sub, err := reg.Create(registry.CreateParams{Cid: 1, Tt: tick.Last, ConnID: c.connID, Limit: registry.NoLimit, Timeout: registry.NoTimeout})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.subs[sub.StreamID] = sub

	data, _ := json.Marshal(unsubscribeData{StreamID: sub.StreamID})
	c.handleUnsubscribe(clientMessage{Type: "unsubscribe", ID: "1", Data: data})

	if _, ok := c.subs[sub.StreamID]; ok {
		t.Fatalf("expected subscription to be removed from tracking map")
	}
	if _, ok := reg.Lookup(sub.StreamID); ok {
		t.Fatalf("expected subscription to be cancelled in registry")
	}
}
