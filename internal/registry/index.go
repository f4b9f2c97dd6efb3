package registry

import (
	"sync"
	"sync/atomic"
)

// index is a reverse lookup from a (cid, tt) channel key to the set of
// subscriptions interested in it, using copy-on-write snapshots so the
// publish hot path (§4.2 publish) holds the index mutex only for the map
// lookup: the subscriber slice itself is read with one atomic load of an
// immutable snapshot.
type index struct {
	mu   sync.Mutex
	byCh map[string]*atomic.Value // channel key -> []*Subscription snapshot
}

func newIndex() *index {
	return &index{byCh: make(map[string]*atomic.Value)}
}

func (idx *index) add(channel string, sub *Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.byCh[channel]
	if val == nil {
		val = &atomic.Value{}
		idx.byCh[channel] = val
	}

	var current []*Subscription
	if v := val.Load(); v != nil {
		current = v.([]*Subscription)
	}
	for _, s := range current {
		if s == sub {
			return
		}
	}
	next := make([]*Subscription, len(current)+1)
	copy(next, current)
	next[len(current)] = sub
	val.Store(next)
}

func (idx *index) remove(channel string, sub *Subscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.byCh[channel]
	if val == nil {
		return
	}
	var current []*Subscription
	if v := val.Load(); v != nil {
		current = v.([]*Subscription)
	}
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	val.Store(next)
}

// get is the hot path: a short locked map lookup, then an atomic load of
// the current subscriber snapshot.
func (idx *index) get(channel string) []*Subscription {
	idx.mu.Lock()
	val := idx.byCh[channel]
	idx.mu.Unlock()
	if val == nil {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*Subscription)
}
