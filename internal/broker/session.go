// Package broker implements the Upstream Session (§4.1): one long-lived
// connection to the broker gateway, the monotonic request-id counter, and
// the reconnect-and-rekey policy.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/tick"
)

// State is the Upstream Session's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// entry is an Upstream Request Entry (§3): the shared upstream subscription
// for one (cid, tt) pair.
type entry struct {
	rid        uint32
	cid        uint32
	tt         tick.Type
	refcount   int
	lastTickAt time.Time
}

// OnTick is invoked for every tick the broker delivers, already routed to
// its (cid, tt). OnOrphan is invoked when a tick's rid matches no entry.
// OnInfo is invoked with a best-effort status notice (e.g. "reconnecting")
// that should be broadcast to affected subscribers; it is called once per
// affected Upstream Request Entry, with that entry's (cid, tt) pair.
type OnTick func(raw tick.Raw)
type OnOrphan func(rid uint32)
type OnInfo func(status string, cid uint32, tt tick.Type)

// Config configures a Session.
type Config struct {
	Host              string
	Ports             []int
	ClientID          int
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	OnTick   OnTick
	OnOrphan OnOrphan
	OnInfo   OnInfo

	Logger zerolog.Logger
}

// dialFunc exists so tests can substitute an in-memory connection without a
// real TCP listener.
type dialFunc func(ctx context.Context, host string, ports []int, timeout time.Duration) (net.Conn, error)

// Session owns exactly one connection to the broker gateway.
type Session struct {
	cfg    Config
	dial   dialFunc
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    net.Conn
	ridSeq  uint32
	byRid   map[uint32]*entry
	byCidTt map[string]*entry // key: "cid/tt"

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	orphanTicks atomic.Uint64
}

// New constructs a Session. It does not connect until Open is called.
func New(cfg Config) *Session {
	return &Session{
		cfg:     cfg,
		dial:    dialTCP,
		logger:  cfg.Logger,
		byRid:   make(map[uint32]*entry),
		byCidTt: make(map[string]*entry),
	}
}

func dialTCP(ctx context.Context, host string, ports []int, timeout time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	dialer.Timeout = timeout
	var lastErr error
	for _, port := range ports {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Open connects to the first reachable configured port and starts the
// dispatch loop. It fails with UpstreamUnavailable if no port is reachable
// within ConnectTimeout.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, s.cfg.Host, s.cfg.Ports, s.cfg.ConnectTimeout)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return tick.NewWireError(tick.CodeUpstreamUnavailable, false,
			fmt.Sprintf("no reachable broker gateway port among %v", s.cfg.Ports))
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.dispatchLoop()

	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe allocates (or reuses) a request id for (cid, tt) and sends the
// broker the subscription command (§4.1). Idempotent in effect.
func (s *Session) Subscribe(cid uint32, tt tick.Type) (uint32, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return 0, tick.NewWireError(tick.CodeUpstreamUnavailable, true, "upstream session not connected")
	}

	key := cidTtKey(cid, tt)
	if e, ok := s.byCidTt[key]; ok {
		e.refcount++
		rid := e.rid
		s.mu.Unlock()
		return rid, nil
	}

	s.ridSeq++
	rid := s.ridSeq
	e := &entry{rid: rid, cid: cid, tt: tt, refcount: 1}
	s.byRid[rid] = e
	s.byCidTt[key] = e
	conn := s.conn
	s.mu.Unlock()

	if err := writeFrame(conn, commandFrame{Kind: frameSubscribe, Rid: rid, Cid: cid, Tt: string(tt)}); err != nil {
		return 0, fmt.Errorf("broker: subscribe send: %w", err)
	}
	return rid, nil
}

// Unsubscribe decrements the refcount for rid's entry; at zero it sends the
// broker cancel and removes the entry. Idempotent.
func (s *Session) Unsubscribe(rid uint32) error {
	s.mu.Lock()
	e, ok := s.byRid[rid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.byRid, rid)
	delete(s.byCidTt, cidTtKey(e.cid, e.tt))
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateOpen {
		return nil
	}
	return writeFrame(conn, commandFrame{Kind: frameUnsubscribe, Rid: rid, Cid: e.cid, Tt: string(e.tt)})
}

// Close cancels all entries and closes the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	s.byRid = make(map[uint32]*entry)
	s.byCidTt = make(map[string]*entry)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

// OrphanTicks reports the running count of ticks received for an unknown rid.
func (s *Session) OrphanTicks() uint64 {
	return s.orphanTicks.Load()
}

func cidTtKey(cid uint32, tt tick.Type) string {
	return fmt.Sprintf("%d/%s", cid, tt)
}

// dispatchLoop is the Session's one dedicated event-dispatch task (§5): it
// consumes broker frames and on each tick does O(1) work before returning
// to the read.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		kind, buf, err := readFrame(conn)
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		switch kind {
		case frameTick:
			var tf tickFrame
			if err := json.Unmarshal(buf, &tf); err != nil {
				s.logger.Error().Err(err).Msg("broker: malformed tick frame")
				continue
			}
			s.routeTick(tf)
		case frameError:
			var ef errorFrame
			if err := json.Unmarshal(buf, &ef); err != nil {
				continue
			}
			s.logger.Warn().Uint32("rid", ef.Rid).Str("message", ef.Message).Msg("broker: error frame")
		case frameAck:
			// acknowledgement of subscribe/unsubscribe; nothing to do, the
			// entry table was already updated optimistically at send time.
		default:
			s.logger.Warn().Str("kind", string(kind)).Msg("broker: unknown frame kind")
		}
	}
}

func (s *Session) routeTick(tf tickFrame) {
	s.mu.Lock()
	e, ok := s.byRid[tf.Rid]
	if ok {
		e.lastTickAt = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		s.orphanTicks.Add(1)
		if s.cfg.OnOrphan != nil {
			s.cfg.OnOrphan(tf.Rid)
		}
		return
	}

	if s.cfg.OnTick == nil {
		return
	}
	s.cfg.OnTick(tick.Raw{
		Cid:               tf.Cid,
		Tt:                e.tt,
		Rid:               tf.Rid,
		UnixTime:          tf.UnixTime,
		UnixTimeIsSeconds: tf.UnixTimeIsSeconds,
		BidPrice:          tf.BidPrice,
		BidSize:           tf.BidSize,
		AskPrice:          tf.AskPrice,
		AskSize:           tf.AskSize,
		BidPastLow:        tf.BidPastLow,
		AskPastHigh:       tf.AskPastHigh,
		Price:             tf.Price,
		Size:              tf.Size,
		Unreported:        tf.Unreported,
		MidPrice:          tf.MidPrice,
	})
}

// handleDisconnect runs the reconnect policy (§4.1): sleep reconnect_delay,
// retry, and on success replay every current entry with a fresh rid,
// rekeying it and emitting an info notice. After reconnect_attempts
// consecutive failures the session transitions to Failed.
func (s *Session) handleDisconnect(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	entries := make([]*entry, 0, len(s.byRid))
	for _, e := range s.byRid {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.logger.Warn().Err(cause).Int("pending_subscriptions", len(entries)).Msg("broker: upstream connection lost, reconnecting")

	for _, e := range entries {
		if s.cfg.OnInfo != nil {
			s.cfg.OnInfo("reconnecting", e.cid, e.tt)
		}
	}

	attempts := 0
	for {
		attempts++
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		conn, err := s.dial(dialCtx, s.cfg.Host, s.cfg.Ports, s.cfg.ConnectTimeout)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempts).Msg("broker: reconnect attempt failed")
			if attempts >= s.cfg.ReconnectAttempts {
				s.fail()
				return
			}
			continue
		}

		s.rekeyAndResubscribe(conn, entries)
		return
	}
}

func (s *Session) rekeyAndResubscribe(conn net.Conn, entries []*entry) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.byRid = make(map[uint32]*entry)
	s.byCidTt = make(map[string]*entry)
	for _, e := range entries {
		s.ridSeq++
		e.rid = s.ridSeq
		s.byRid[e.rid] = e
		s.byCidTt[cidTtKey(e.cid, e.tt)] = e
	}
	s.mu.Unlock()

	for _, e := range entries {
		if err := writeFrame(conn, commandFrame{Kind: frameSubscribe, Rid: e.rid, Cid: e.cid, Tt: string(e.tt)}); err != nil {
			s.logger.Error().Err(err).Uint32("cid", e.cid).Msg("broker: resubscribe after reconnect failed")
		}
	}

	s.wg.Add(1)
	go s.dispatchLoop()
}

func (s *Session) fail() {
	s.mu.Lock()
	s.state = StateFailed
	entries := make([]*entry, 0, len(s.byRid))
	for _, e := range s.byRid {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.logger.Error().Int("attempts", s.cfg.ReconnectAttempts).Msg("broker: giving up reconnecting, session failed")
	for _, e := range entries {
		if s.cfg.OnInfo != nil {
			s.cfg.OnInfo("upstream_lost", e.cid, e.tt)
		}
	}
}
