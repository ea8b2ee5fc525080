package eftl

import (
	"context"
	"time"
)

// KVMap is a handle to a named server-side key/value map (spec.md
// component C9), opcodes 16/18/20/22/24/26. Create/Destroy affect the map
// as a whole; Set/Get/Remove address individual keys.
type KVMap struct {
	name    string
	session *Session
}

// Map returns a handle for the named map. Map does not contact the server;
// Create does.
func (s *Session) Map(name string) *KVMap {
	return &KVMap{name: name, session: s}
}

// Create asks the server to create the map if it does not already exist.
// eFTL maps are implicitly created by the first Set. Create sends the
// frame and returns without waiting for a reply, so a server-side error
// (naming collision, permission) is not reported to the caller.
func (m *KVMap) Create(ctx context.Context) error {
	s := m.session
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := encodeFrame(mapCreateFrame{Op: opMapCreate, Map: m.name})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode map create frame", err)
	}
	s.conn.SendText(frame)
	return nil
}

// Destroy deletes the map and all of its keys server-side (SPEC_FULL.md
// supplemented feature 5 — the original source exposes this operation
// under opcode 18 though the distilled spec omits it).
func (m *KVMap) Destroy(ctx context.Context) error {
	s := m.session
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := encodeFrame(mapDestroyFrame{Op: opMapDestroy, Map: m.name})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode map destroy frame", err)
	}
	s.conn.SendText(frame)
	return nil
}

// Set stores value under key and waits for the server's MAP_RESPONSE.
func (m *KVMap) Set(ctx context.Context, key string, value *Message, timeout time.Duration) error {
	s := m.session
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	body, err := marshalBody(value)
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode map value", err)
	}

	seq := s.nextSeq()
	frame, err := encodeFrame(mapSetFrame{Op: opMapSet, Seq: seq, Map: m.name, Key: key, Value: body})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode map set frame", err)
	}

	compl := newCompletion()
	s.ledger.append(&pending{seq: seq, frame: frame, compl: compl})
	s.conn.SendText(frame)

	_, _, _, err = compl.wait(timeout)
	// A timed-out Set must not leave a stale ledger entry behind for a
	// later MAP_RESPONSE to land on; complete is a no-op if handleMapResponse
	// already claimed it.
	s.ledger.complete(seq)
	return err
}

// Get retrieves the value stored under key, or nil if the key is absent.
func (m *KVMap) Get(ctx context.Context, key string, timeout time.Duration) (*Message, error) {
	s := m.session
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}

	seq := s.nextSeq()
	frame, err := encodeFrame(mapGetFrame{Op: opMapGet, Seq: seq, Map: m.name, Key: key})
	if err != nil {
		return nil, wrapError(ErrCodeInvalidType, "failed to encode map get frame", err)
	}

	compl := newCompletion()
	s.ledger.append(&pending{seq: seq, frame: frame, compl: compl})
	s.conn.SendText(frame)

	_, _, resp, err := compl.wait(timeout)
	s.ledger.complete(seq)
	return resp, err
}

// Remove deletes key from the map.
func (m *KVMap) Remove(ctx context.Context, key string, timeout time.Duration) error {
	s := m.session
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	seq := s.nextSeq()
	frame, err := encodeFrame(mapRemoveFrame{Op: opMapRemove, Seq: seq, Map: m.name, Key: key})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode map remove frame", err)
	}

	compl := newCompletion()
	s.ledger.append(&pending{seq: seq, frame: frame, compl: compl})
	s.conn.SendText(frame)

	_, _, _, err = compl.wait(timeout)
	s.ledger.complete(seq)
	return err
}
