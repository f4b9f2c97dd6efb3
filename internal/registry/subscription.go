package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/ib-stream/internal/tick"
)

// State is a Subscription's lifecycle state (§3): pending -> active ->
// {complete, error, cancelled}.
type State int

const (
	StatePending State = iota
	StateActive
	StateComplete
	StateError
	StateCancelled
)

// EventKind tags the union carried by a Subscription's Events channel; it
// mirrors the SSE/WS message envelope of §4.6/§4.7 without committing to
// either wire format.
type EventKind int

const (
	EventTick EventKind = iota
	EventComplete
	EventError
	EventInfo
)

// Event is one item delivered to a subscriber.
type Event struct {
	Kind EventKind

	Msg *tick.Message // EventTick

	Reason          string  // EventComplete: "limit_reached"|"timeout"|"client_gone"|"upstream_lost"|"shutdown"|"complete"
	TotalTicks      int64   // EventComplete
	DurationSeconds float64 // EventComplete

	Code        tick.Code // EventError
	Message     string    // EventError / EventInfo(status)
	Recoverable bool      // EventError

	Status string // EventInfo
}

// Subscription is one live (or terminated) stream (§3).
type Subscription struct {
	StreamID  string
	Cid       uint32
	Tt        tick.Type
	Rid       uint32
	ConnID    string
	CreatedAt time.Time
	Limit     int
	Timeout   time.Duration

	Events chan Event

	ticksDelivered atomic.Int64
	errorCount     atomic.Int64
	released       atomic.Bool

	mu           sync.Mutex
	state        State
	timeoutTimer *time.Timer

	registry *Registry
}

func (s *Subscription) activate() {
	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateActive
	}
	s.mu.Unlock()
}

func (s *Subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TicksDelivered returns the running delivered-tick count.
func (s *Subscription) TicksDelivered() int64 { return s.ticksDelivered.Load() }

func (s *Subscription) armTimeout() {
	s.mu.Lock()
	s.timeoutTimer = time.AfterFunc(s.Timeout, func() {
		s.complete("timeout")
	})
	s.mu.Unlock()
}

// setState records a reporting-only state transition, refusing to move out
// of a terminal state once reached.
func (s *Subscription) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateComplete, StateError, StateCancelled:
		return
	}
	s.state = next
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
}

// transitionTerminal is Registry.Cancel's entry point: it performs the
// release exactly once (upstream unsubscribe, index removal, channel
// close) no matter how many times Cancel is called or whether the
// subscription already completed/errored on its own.
func (s *Subscription) transitionTerminal(next State) bool {
	s.setState(next)
	return s.released.CompareAndSwap(false, true)
}

// complete delivers a terminal "complete" event with reason and cancels
// the subscription through the owning registry.
func (s *Subscription) complete(reason string) {
	s.mu.Lock()
	alreadyTerminal := s.state == StateComplete || s.state == StateError || s.state == StateCancelled
	s.mu.Unlock()
	if alreadyTerminal {
		return
	}
	s.setState(StateComplete)
	s.trySend(Event{
		Kind:            EventComplete,
		Reason:          reason,
		TotalTicks:      s.ticksDelivered.Load(),
		DurationSeconds: time.Since(s.CreatedAt).Seconds(),
	})
	s.registry.Cancel(s.StreamID)
}

// fail delivers a terminal "error" event then cancels the subscription.
func (s *Subscription) fail(code tick.Code, message string, recoverable bool) {
	s.mu.Lock()
	alreadyTerminal := s.state == StateComplete || s.state == StateError || s.state == StateCancelled
	s.mu.Unlock()
	if alreadyTerminal {
		return
	}
	s.setState(StateError)
	s.errorCount.Add(1)
	ev := Event{Kind: EventError, Code: code, Message: message, Recoverable: recoverable}
	select {
	case s.Events <- ev:
	default:
		// The queue is full (the SLOW_CONSUMER case): drop the oldest queued
		// event so the terminal error still reaches the subscriber.
		select {
		case <-s.Events:
		default:
		}
		s.trySend(ev)
	}
	s.registry.Cancel(s.StreamID)
}

// info delivers a best-effort, non-terminal notice (e.g. "reconnecting").
func (s *Subscription) info(status string) {
	if !s.isActive() {
		return
	}
	s.trySend(Event{Kind: EventInfo, Status: status})
}

func (s *Subscription) trySend(e Event) {
	select {
	case s.Events <- e:
	default:
		// Best-effort: subscriber is already gone or its queue is wedged;
		// Cancel() below will still close the channel.
	}
}
