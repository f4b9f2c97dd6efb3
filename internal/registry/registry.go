// Package registry implements the Subscription Registry & Pipeline (§4.2):
// the stream_id -> subscription map, the (cid,tt) reverse index used for
// publish fan-out, and the per-subscription bounded delivery channel with
// its overflow policy.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/tick"
)

// NoLimit and NoTimeout are the sentinel values CreateParams.Limit and
// CreateParams.Timeout take to mean "unbounded". The Go zero value for
// both fields (0) is instead the §8 boundary case that must complete
// immediately, so "unset" has to be spelled explicitly.
const (
	NoLimit   = -1
	NoTimeout = time.Duration(-1)
)

// Upstream is the subset of the broker session the registry depends on.
type Upstream interface {
	Subscribe(cid uint32, tt tick.Type) (uint32, error)
	Unsubscribe(rid uint32) error
}

// StreamTracker is the subset of the resource guard the registry notifies
// as subscriptions are admitted and released, so the guard's own
// MaxStreams cap and /stats active_streams reading stay in sync with
// reality (§5 admission control).
type StreamTracker interface {
	TrackAdmitted()
	TrackReleased()
}

// Limits bundles the registry's configurable caps (§4.2).
type Limits struct {
	MaxStreams          int
	MaxStreamsPerWSConn int
	BufferSize          int
}

// Registry owns every live Subscription.
type Registry struct {
	upstream Upstream
	limits   Limits
	logger   zerolog.Logger

	subscribeLimiter *rate.Limiter
	guard            StreamTracker

	mu          sync.Mutex
	byStreamID  map[string]*Subscription
	perConnHave map[string]int
	idx         *index

	totalStreams atomic.Int64
}

// New builds a Registry bound to an Upstream session.
func New(upstream Upstream, limits Limits, logger zerolog.Logger) *Registry {
	return &Registry{
		upstream:         upstream,
		limits:           limits,
		logger:           logger,
		subscribeLimiter: rate.NewLimiter(rate.Limit(200), 50),
		byStreamID:       make(map[string]*Subscription),
		perConnHave:      make(map[string]int),
		idx:              newIndex(),
	}
}

// SetGuard wires an optional resource guard to be notified of admission
// and release; nil (the zero value) disables notification.
func (r *Registry) SetGuard(g StreamTracker) {
	r.guard = g
}

// CreateParams describes a subscription request.
type CreateParams struct {
	Cid uint32
	Tt  tick.Type
	// ConnID scopes the per-connection cap; empty means unscoped (SSE,
	// background tracker).
	ConnID string
	// Limit is the max number of ticks to deliver before completing.
	// NoLimit means unbounded; 0 completes immediately (§8).
	Limit int
	// Timeout is the wall-clock duration before completing. NoTimeout
	// means unbounded; 0 completes immediately (§8).
	Timeout time.Duration
}

// Create allocates a stream_id, registers the subscription, and asks the
// Upstream Session to subscribe (§4.2 create).
func (r *Registry) Create(p CreateParams) (*Subscription, error) {
	if p.Tt == "" {
		return nil, tick.NewWireError(tick.CodeInvalidTickType, false, "tick type is required")
	}
	if _, err := tick.ParseType(string(p.Tt)); err != nil {
		return nil, tick.NewWireError(tick.CodeInvalidTickType, false, err.Error())
	}

	r.mu.Lock()
	if int(r.totalStreams.Load()) >= r.limits.MaxStreams {
		r.mu.Unlock()
		return nil, tick.NewWireError(tick.CodeStreamLimitReached, false, "process stream cap reached")
	}
	if p.ConnID != "" && r.perConnHave[p.ConnID] >= r.limits.MaxStreamsPerWSConn {
		r.mu.Unlock()
		return nil, tick.NewWireError(tick.CodeStreamLimitReached, false, "per-connection stream cap reached")
	}
	r.mu.Unlock()

	if !r.subscribeLimiter.Allow() {
		return nil, tick.NewWireError(tick.CodeStreamLimitReached, true, "subscribe rate limit exceeded")
	}

	rid, err := r.upstream.Subscribe(p.Cid, p.Tt)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		StreamID:  tick.StreamID(p.Cid, p.Tt, uint64(now.UnixMilli()), rid),
		Cid:       p.Cid,
		Tt:        p.Tt,
		Rid:       rid,
		ConnID:    p.ConnID,
		CreatedAt: now,
		Limit:     p.Limit,
		Timeout:   p.Timeout,
		Events:    make(chan Event, r.limits.BufferSize),
		state:     StatePending,
		registry:  r,
	}

	r.mu.Lock()
	r.byStreamID[sub.StreamID] = sub
	if p.ConnID != "" {
		r.perConnHave[p.ConnID]++
	}
	r.mu.Unlock()
	r.totalStreams.Add(1)
	r.idx.add(channelKey(p.Cid, p.Tt), sub)
	if r.guard != nil {
		r.guard.TrackAdmitted()
	}

	sub.activate()

	// §8 boundary behaviors.
	if p.Limit == 0 {
		sub.complete("limit_reached")
		return sub, nil
	}
	if p.Timeout == 0 {
		sub.complete("timeout")
		return sub, nil
	}
	if p.Timeout > 0 {
		sub.armTimeout()
	}

	return sub, nil
}

// Cancel transitions a subscription to cancelled, releases the upstream
// refcount, and closes its Events channel. Idempotent.
func (r *Registry) Cancel(streamID string) {
	r.mu.Lock()
	sub, ok := r.byStreamID[streamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byStreamID, streamID)
	if sub.ConnID != "" {
		r.perConnHave[sub.ConnID]--
	}
	r.mu.Unlock()

	if sub.transitionTerminal(StateCancelled) {
		r.totalStreams.Add(-1)
		r.idx.remove(channelKey(sub.Cid, sub.Tt), sub)
		if r.guard != nil {
			r.guard.TrackReleased()
		}
		if err := r.upstream.Unsubscribe(sub.Rid); err != nil {
			r.logger.Warn().Err(err).Str("stream_id", streamID).Msg("registry: upstream unsubscribe failed")
		}
		close(sub.Events)
	}
}

// Publish fans a tick out to every subscription interested in (cid, tt)
// (§4.2 publish). The upstream dispatch path calls this; it must never
// block.
func (r *Registry) Publish(msg *tick.Message) {
	subs := r.idx.get(channelKey(msg.Cid, msg.Tt))
	for _, sub := range subs {
		r.deliver(sub, msg)
	}
}

func (r *Registry) deliver(sub *Subscription, msg *tick.Message) {
	if !sub.isActive() {
		return
	}

	select {
	case sub.Events <- Event{Kind: EventTick, Msg: msg}:
		delivered := sub.ticksDelivered.Add(1)
		if sub.Limit != NoLimit && int(delivered) >= sub.Limit {
			sub.complete("limit_reached")
		}
	default:
		// Overflow policy (§5): disconnect for live subscriber sinks.
		sub.fail(tick.CodeSlowConsumer, "subscriber outbound queue overflowed", false)
	}
}

// Notify delivers a best-effort info event to every subscription matching
// (cid, tt), e.g. when the Upstream Session reconnects and re-keys its rid
// (§4.1 "emit an info event to every affected Subscription noting the
// re-key").
func (r *Registry) Notify(cid uint32, tt tick.Type, status string) {
	subs := r.idx.get(channelKey(cid, tt))
	for _, sub := range subs {
		sub.info(status)
	}
}

// FailAll transitions every subscription matching (cid, tt) to error with
// the given code, e.g. when the Upstream Session gives up reconnecting and
// is marked Failed (§4.1/§7: subscriptions transition to error with kind
// UpstreamLost).
func (r *Registry) FailAll(cid uint32, tt tick.Type, code tick.Code) {
	subs := r.idx.get(channelKey(cid, tt))
	for _, sub := range subs {
		sub.fail(code, "upstream session lost", true)
	}
}

// Lookup returns the subscription for a stream_id, if any.
func (r *Registry) Lookup(streamID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byStreamID[streamID]
	return sub, ok
}

// CountPerConnection returns how many subscriptions connID currently owns.
func (r *Registry) CountPerConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perConnHave[connID]
}

// TotalStreams is the current process-wide stream count.
func (r *Registry) TotalStreams() int {
	return int(r.totalStreams.Load())
}

// Shutdown sends every live subscription a best-effort "shutdown" complete
// event (§5 process shutdown) and cancels them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	streamIDs := make([]string, 0, len(r.byStreamID))
	for id := range r.byStreamID {
		streamIDs = append(streamIDs, id)
	}
	r.mu.Unlock()

	for _, id := range streamIDs {
		if sub, ok := r.Lookup(id); ok {
			sub.complete("shutdown")
		}
		r.Cancel(id)
	}
}

func channelKey(cid uint32, tt tick.Type) string {
	return fmt.Sprintf("%d/%s", cid, tt)
}
