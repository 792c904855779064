// Package live caches read computations and recomputes them when a
// collection they depend on is mutated.
//
// A Query records, per refresh, exactly which collections its
// computation read (through the transaction scope's observer, never a
// process-global registry) and subscribes to those collections on the
// Hub. A committed mutation publishes its touched collections, which
// triggers a coalesced refresh of every dependent query.
package live

import "sync"

// Hub fans committed-mutation notifications out to per-collection
// subscribers.
//
// Thread-safety: all methods may be called from any goroutine.
// Callbacks run outside the hub lock, so a callback may resubscribe or
// cancel without deadlocking.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int64]func()
	next int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int64]func())}
}

// Subscription is a cancel handle for one collection subscription.
type Subscription struct {
	hub        *Hub
	collection string
	id         int64
}

// Subscribe registers cb to fire whenever collection is mutated.
func (h *Hub) Subscribe(collection string, cb func()) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[int64]func())
	}
	h.subs[collection][id] = cb
	return Subscription{hub: h, collection: collection, id: id}
}

// SubscribeSet registers cb under every named collection as one
// logical subscriber: the members share a single identity, so a
// Publish touching several of the collections fires cb once. Cancel
// each returned subscription to detach fully.
func (h *Hub) SubscribeSet(collections []string, cb func()) []Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	subs := make([]Subscription, 0, len(collections))
	for _, collection := range collections {
		if h.subs[collection] == nil {
			h.subs[collection] = make(map[int64]func())
		}
		h.subs[collection][id] = cb
		subs = append(subs, Subscription{hub: h, collection: collection, id: id})
	}
	return subs
}

// Cancel removes the subscription. Idempotent.
func (s Subscription) Cancel() {
	if s.hub == nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if m := s.hub.subs[s.collection]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.hub.subs, s.collection)
		}
	}
}

// Publish notifies the subscribers of every named collection,
// deduplicated by subscription identity: a SubscribeSet subscriber
// fires at most once per Publish call even when several of its
// collections were touched, while independent Subscribe registrations
// of the same callback fire independently.
func (h *Hub) Publish(collections ...string) {
	h.mu.Lock()
	fired := make(map[int64]struct{})
	var cbs []func()
	for _, name := range collections {
		for id, cb := range h.subs[name] {
			if _, ok := fired[id]; ok {
				continue
			}
			fired[id] = struct{}{}
			cbs = append(cbs, cb)
		}
	}
	h.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
