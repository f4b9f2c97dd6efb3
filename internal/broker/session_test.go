package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/tick"
)

// fakeGateway answers subscribe/unsubscribe frames with acks and can push
// tick frames on demand, standing in for the real broker gateway.
type fakeGateway struct {
	mu   sync.Mutex
	conn net.Conn
}

func (g *fakeGateway) Conn() net.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

func newFakeGateway(t *testing.T) (*fakeGateway, dialFunc) {
	t.Helper()
	server, client := net.Pipe()
	gw := &fakeGateway{conn: server}

	go func() {
		for {
			kind, buf, err := readFrame(server)
			if err != nil {
				return
			}
			if kind != frameSubscribe && kind != frameUnsubscribe {
				continue
			}
			var cf commandFrame
			_ = json.Unmarshal(buf, &cf)
			_ = writeFrame(server, errorFrame{Kind: frameAck, Rid: cf.Rid})
		}
	}()

	dial := func(ctx context.Context, host string, ports []int, timeout time.Duration) (net.Conn, error) {
		return client, nil
	}
	return gw, dial
}

// serveAcks answers every subscribe/unsubscribe frame on conn with an ack,
// until the connection errors out (closed or reconnected away from).
func serveAcks(conn net.Conn) {
	for {
		kind, buf, err := readFrame(conn)
		if err != nil {
			return
		}
		if kind != frameSubscribe && kind != frameUnsubscribe {
			continue
		}
		var cf commandFrame
		_ = json.Unmarshal(buf, &cf)
		_ = writeFrame(conn, errorFrame{Kind: frameAck, Rid: cf.Rid})
	}
}

// newReconnectableFakeGateway's dial func hands out a fresh net.Pipe on
// every call, so a test can close the current server-side conn to force
// Session.handleDisconnect's reconnect path and observe the next dial.
func newReconnectableFakeGateway(t *testing.T) (*fakeGateway, dialFunc) {
	t.Helper()
	gw := &fakeGateway{}

	dial := func(ctx context.Context, host string, ports []int, timeout time.Duration) (net.Conn, error) {
		server, client := net.Pipe()
		gw.mu.Lock()
		gw.conn = server
		gw.mu.Unlock()
		go serveAcks(server)
		return client, nil
	}
	return gw, dial
}

func TestSessionSubscribeSharesUpstreamRequest(t *testing.T) {
	_, dial := newFakeGateway(t)
	sess := New(Config{
		Host: "localhost", Ports: []int{4002}, ClientID: 1,
		ConnectTimeout: time.Second, ReconnectDelay: 10 * time.Millisecond, ReconnectAttempts: 1,
		Logger: zerolog.Nop(),
	})
	sess.dial = dial

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	rid1, err := sess.Subscribe(711280073, tick.BidAsk)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rid2, err := sess.Subscribe(711280073, tick.BidAsk)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if rid1 != rid2 {
		t.Fatalf("expected shared rid for identical (cid,tt), got %d and %d", rid1, rid2)
	}

	if err := sess.Unsubscribe(rid1); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// refcount should now be 1; second unsubscribe releases it
	if err := sess.Unsubscribe(rid2); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestSessionRoutesTickToCallback(t *testing.T) {
	gw, dial := newFakeGateway(t)

	received := make(chan tick.Raw, 1)
	sess := New(Config{
		Host: "localhost", Ports: []int{4002}, ClientID: 1,
		ConnectTimeout: time.Second, ReconnectDelay: 10 * time.Millisecond, ReconnectAttempts: 1,
		OnTick: func(r tick.Raw) { received <- r },
		Logger: zerolog.Nop(),
	})
	sess.dial = dial

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	rid, err := sess.Subscribe(12345, tick.Last)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	price := 100.25
	size := 2.0
	go writeFrame(gw.conn, tickFrame{Kind: frameTick, Rid: rid, Cid: 12345, Tt: string(tick.Last), UnixTime: 1700000000000000, Price: &price, Size: &size})

	select {
	case raw := <-received:
		if raw.Cid != 12345 || *raw.Price != 100.25 {
			t.Fatalf("unexpected routed tick: %+v", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed tick")
	}
}

func TestSessionOrphanTickIsCountedAndDropped(t *testing.T) {
	gw, dial := newFakeGateway(t)

	called := make(chan uint32, 1)
	sess := New(Config{
		Host: "localhost", Ports: []int{4002}, ClientID: 1,
		ConnectTimeout: time.Second, ReconnectDelay: 10 * time.Millisecond, ReconnectAttempts: 1,
		OnOrphan: func(rid uint32) { called <- rid },
		Logger:   zerolog.Nop(),
	})
	sess.dial = dial

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	go writeFrame(gw.conn, tickFrame{Kind: frameTick, Rid: 999, Cid: 1, Tt: string(tick.Last)})

	select {
	case rid := <-called:
		if rid != 999 {
			t.Fatalf("expected orphan rid 999, got %d", rid)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for orphan callback")
	}

	if sess.OrphanTicks() != 1 {
		t.Fatalf("expected orphan counter 1, got %d", sess.OrphanTicks())
	}
}

func TestSessionReconnectNotifiesInfoAndRekeysEntries(t *testing.T) {
	gw, dial := newReconnectableFakeGateway(t)

	infoStatuses := make(chan string, 8)
	sess := New(Config{
		Host: "localhost", Ports: []int{4002}, ClientID: 1,
		ConnectTimeout: time.Second, ReconnectDelay: 10 * time.Millisecond, ReconnectAttempts: 5,
		OnInfo: func(status string, cid uint32, tt tick.Type) { infoStatuses <- status },
		Logger: zerolog.Nop(),
	})
	sess.dial = dial

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	rid1, err := sess.Subscribe(555, tick.Last)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Sever the current connection; handleDisconnect should fire "reconnecting"
	// for the pending entry and then reconnect via the next dial call.
	gw.Conn().Close()

	select {
	case status := <-infoStatuses:
		if status != "reconnecting" {
			t.Fatalf("expected reconnecting info notice, got %q", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnecting info notice")
	}

	deadline := time.After(time.Second)
	for sess.State() != StateOpen {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for session to reopen, state=%v", sess.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	rid2, err := sess.Subscribe(555, tick.Last)
	if err != nil {
		t.Fatalf("Subscribe after reconnect: %v", err)
	}
	if rid2 == rid1 {
		t.Fatalf("expected a fresh rid after reconnect rekey, got the same rid %d both times", rid1)
	}
}

func TestSessionFailAfterExhaustingReconnectAttemptsNotifiesUpstreamLost(t *testing.T) {
	server, client := net.Pipe()
	go serveAcks(server)

	attempts := 0
	dial := func(ctx context.Context, host string, ports []int, timeout time.Duration) (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return client, nil
		}
		return nil, fmt.Errorf("connection refused")
	}

	infoStatuses := make(chan string, 8)
	sess := New(Config{
		Host: "localhost", Ports: []int{4002}, ClientID: 1,
		ConnectTimeout: time.Second, ReconnectDelay: 5 * time.Millisecond, ReconnectAttempts: 2,
		OnInfo: func(status string, cid uint32, tt tick.Type) { infoStatuses <- status },
		Logger: zerolog.Nop(),
	})
	sess.dial = dial

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Subscribe(777, tick.Last); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	server.Close()

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for !seen["reconnecting"] || !seen["upstream_lost"] {
		select {
		case status := <-infoStatuses:
			seen[status] = true
		case <-deadline:
			t.Fatalf("timed out waiting for reconnecting+upstream_lost, saw %v", seen)
		}
	}

	if sess.State() != StateFailed {
		t.Fatalf("expected session state Failed, got %v", sess.State())
	}
}
