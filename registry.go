package eftl

import "sync"

// subscription holds everything needed to (re)issue a SUBSCRIBE frame and
// to route an inbound MESSAGE frame to the right caller callback.
type subscription struct {
	id        string
	matcher   string
	durable   string
	ackMode   string
	typ       string
	key       string
	lastSeq   int64
	handler   func(*Message)
}

// registry is the subscription registry (spec.md component C2): an
// insertion-order map of active subscriptions, safe for concurrent use by
// the dispatcher goroutine and any number of caller goroutines calling
// Subscribe/CloseSubscription. Grounded on the teacher's SubscriptionIndex
// snapshot idiom (internal/shared/connection.go): access is guarded by an
// RWMutex, and snapshot hands out a copy so callers can iterate without
// holding the lock.
type registry struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]*subscription
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*subscription)}
}

// add inserts a subscription, preserving insertion order for resubscribe
// replay after reconnect (spec.md §4.3).
func (r *registry) add(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[s.id]; !exists {
		r.order = append(r.order, s.id)
	}
	r.byID[s.id] = s
}

// remove deletes a subscription by id.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// get looks up a subscription by id.
func (r *registry) get(id string) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// snapshot returns subscriptions in insertion order, safe to iterate
// without holding the registry lock — the copy-on-write half of the idiom.
func (r *registry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// clear empties the registry, used when the session transitions to
// DISCONNECTED with no resume/durable carryover expected.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byID = make(map[string]*subscription)
}

// recordSeq updates a subscription's last-seen sequence number for
// dedup-by-sequence (spec.md §8, "dedup monotonicity"). Returns false if
// seq is not strictly greater than the last recorded one, meaning the
// message is a duplicate delivery and must be dropped by the dispatcher.
// A zero seq always passes and leaves lastSeq unchanged.
//
// Per spec.md §4.4, this only applies to auto-ack subscriptions: client-ack
// subscriptions leave the server-side cursor to the application's explicit
// Acknowledge calls, so a client-ack subscription's lastSeq is never
// consulted or advanced here and every delivery passes through.
func (r *registry) recordSeq(id string, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return true
	}
	if s.ackMode != "auto" {
		return true
	}
	if seq != 0 && seq <= s.lastSeq {
		return false
	}
	if seq != 0 {
		s.lastSeq = seq
	}
	return true
}
