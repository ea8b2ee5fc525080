package eftl

import (
	"container/list"
	"sync"
)

// pending is a single outstanding request awaiting acknowledgement: a
// publish, a SendRequest, or a KVMap operation. All share the same
// seq-indexed, FIFO resend-on-reconnect treatment (spec.md §4.4).
type pending struct {
	seq     int64
	frame   []byte
	compl   *completion
}

// ledger is the request ledger (spec.md component C3): entries are kept in
// strict FIFO send order so that, on reconnect, resending the ledger
// reproduces the original wire order (spec.md §8, "resend order
// preservation"). Grounded on the teacher's worker_pool.go task-list idiom,
// generalized from a bounded work queue to an ordered, seq-addressable
// outstanding-request table.
type ledger struct {
	mu      sync.Mutex
	order   *list.List
	bySeq   map[int64]*list.Element
}

func newLedger() *ledger {
	return &ledger{order: list.New(), bySeq: make(map[int64]*list.Element)}
}

// append adds a new pending entry at the tail, preserving send order.
func (l *ledger) append(p *pending) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el := l.order.PushBack(p)
	l.bySeq[p.seq] = el
}

// complete removes and returns the entry for seq, signalling the caller is
// responsible for completing its waiter. Returns ok=false if seq is
// unknown, e.g. a duplicate or stale ACK.
func (l *ledger) complete(seq int64) (*pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.bySeq[seq]
	if !ok {
		return nil, false
	}
	delete(l.bySeq, seq)
	l.order.Remove(el)
	return el.Value.(*pending), true
}

// len reports the number of outstanding entries, used to enforce
// Options.MaxPendingAcks (SPEC_FULL.md supplemented feature 2) and exposed
// via the eftl_ledger_depth gauge.
func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// snapshot returns every outstanding entry in original send order, for
// resend-on-reconnect. The ledger itself is left untouched — entries are
// only removed by complete, since a resend is still awaiting its original
// ACK.
func (l *ledger) snapshot() []*pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pending, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*pending))
	}
	return out
}

// drain empties the ledger, signalling every outstanding waiter with err so
// that no caller blocks forever after a terminal Disconnect. Used at the
// DISCONNECTED transition when no further reconnect will be attempted.
func (l *ledger) drain(code ErrorCode, reason string) {
	l.mu.Lock()
	pendings := make([]*pending, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		pendings = append(pendings, el.Value.(*pending))
	}
	l.order.Init()
	l.bySeq = make(map[int64]*list.Element)
	l.mu.Unlock()

	for _, p := range pendings {
		if p.compl != nil {
			p.compl.signal(code, reason, nil)
		}
	}
}
