// Package tracker implements the Background Tracker (§4.5): process-owned
// subscriptions for each configured TrackedContract/tick-type pair, started
// once the Upstream Session reports open and resurrected under their
// original (cid, tt) identity when they error.
//
// Grounded on the teacher's worker_pool.go supervision loop: one goroutine
// per tracked unit, restart-on-error with a fixed backoff, no shared mutable
// state besides the registry it drives.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/config"
	"github.com/lakowske/ib-stream/internal/registry"
	"github.com/lakowske/ib-stream/internal/tick"
)

// stateProbe lets the tracker poll the upstream session's readiness without
// importing the broker package's concrete State type (avoids a dependency
// the tracker doesn't otherwise need).
type stateProbe func() bool

// Tracker owns one background Subscription per (cid, tt) named by the
// configured tracked contracts (§4.5).
type Tracker struct {
	reg            *registry.Registry
	contracts      []config.TrackedContract
	reconnectDelay time.Duration
	isUpstreamOpen stateProbe
	logger         zerolog.Logger

	wg sync.WaitGroup
}

// New builds a Tracker. isUpstreamOpen should report whether the broker
// session is currently in its open state.
func New(reg *registry.Registry, contracts []config.TrackedContract, reconnectDelay time.Duration, isUpstreamOpen func() bool, logger zerolog.Logger) *Tracker {
	return &Tracker{
		reg: reg, contracts: contracts,
		reconnectDelay: reconnectDelay, isUpstreamOpen: isUpstreamOpen, logger: logger,
	}
}

// Run blocks until the upstream session reports open, then launches one
// supervision goroutine per (cid, tt) and returns immediately; each
// goroutine runs until ctx is cancelled. Tracked subscriptions flow
// through the same Pipeline as any other subscriber, so storage is
// already handled once at the pipeline's OnTick boundary (§1 purpose:
// "continuous recording" falls out of that shared path, not of the
// tracker keeping its own copy).
func (t *Tracker) Run(ctx context.Context) {
	t.waitForOpen(ctx)
	if ctx.Err() != nil {
		return
	}

	for _, c := range t.contracts {
		for _, ttRaw := range c.TickTypes {
			tt, err := tick.ParseType(ttRaw)
			if err != nil {
				t.logger.Error().Err(err).Str("tick_type", ttRaw).Uint32("cid", c.ContractID).
					Msg("tracker: skipping tracked contract with invalid tick type")
				continue
			}
			t.wg.Add(1)
			go t.supervise(ctx, c.ContractID, tt)
		}
	}
}

func (t *Tracker) waitForOpen(ctx context.Context) {
	if t.isUpstreamOpen == nil || t.isUpstreamOpen() {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.isUpstreamOpen() {
				return
			}
		}
	}
}

// supervise creates the (cid, tt) subscription, drains its events, and on
// error or premature completion waits reconnectDelay and
// re-creates it under the same identity, per §4.5.
func (t *Tracker) supervise(ctx context.Context, cid uint32, tt tick.Type) {
	defer t.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := t.reg.Create(registry.CreateParams{
			Cid: cid, Tt: tt,
			Limit:   registry.NoLimit,
			Timeout: registry.NoTimeout,
		})
		if err != nil {
			t.logger.Warn().Err(err).Uint32("cid", cid).Str("tick_type", string(tt)).
				Msg("tracker: failed to create background subscription, retrying")
			if !t.sleepOrDone(ctx) {
				return
			}
			continue
		}

		terminalReason := t.drain(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		t.logger.Info().Uint32("cid", cid).Str("tick_type", string(tt)).Str("reason", terminalReason).
			Msg("tracker: background subscription ended, will re-create after delay")
		if !t.sleepOrDone(ctx) {
			return
		}
	}
}

func (t *Tracker) sleepOrDone(ctx context.Context) bool {
	select {
	case <-time.After(t.reconnectDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// drain consumes sub.Events until a terminal event arrives (or ctx is
// cancelled) and returns the terminal reason. It only needs to keep the
// subscription alive and draining: persistence already happened once, at
// the pipeline's OnTick boundary, before this tick ever reached the
// subscription's channel.
func (t *Tracker) drain(ctx context.Context, sub *registry.Subscription) string {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return "channel_closed"
			}
			switch ev.Kind {
			case registry.EventComplete:
				return ev.Reason
			case registry.EventError:
				return string(ev.Code)
			}
		case <-ctx.Done():
			return "shutdown"
		}
	}
}

// Wait blocks until every supervision goroutine has returned (post
// cancellation), for clean process shutdown (§5).
func (t *Tracker) Wait() { t.wg.Wait() }
