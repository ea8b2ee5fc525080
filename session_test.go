package eftl

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a wireConn that records every frame sent instead of touching
// a real socket, letting the protocol handler (C6) and state machine (C7)
// be driven deterministically the way SPEC_FULL.md's "Test tooling" section
// calls for.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeConn) SendText(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
}

func (f *fakeConn) SetTimeout(time.Duration) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestSession builds a Session already past the LOGIN/WELCOME handshake,
// wired to a fakeConn, without dialing a real transport.
func newTestSession(t *testing.T, opts *Options) (*Session, *fakeConn) {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	resolved := opts.withDefaults()

	closeCtx, cancel := context.WithCancel(context.Background())
	conn := &fakeConn{}

	s := &Session{
		opts:        resolved,
		ledger:      newLedger(),
		registry:    newRegistry(),
		inbound:     newInboundQueue(resolved.InboundQueueSize),
		logger:      resolved.Logger,
		closeCtx:    closeCtx,
		closeCancel: cancel,
		conn:        conn,
		state:       StateConnected,
		clientID:    "test-client",
		protocol:    protocolVersion,
	}
	s.limiter = newErrorFanout(resolved.ErrorCallbackRateLimit, resolved.OnError, s.closeActiveConn)
	s.metrics = newSessionMetrics(nil, s.clientID)

	s.dispatchWG.Add(1)
	go s.dispatchLoop()

	t.Cleanup(func() {
		// Disconnect already closes the inbound queue, and a second close
		// panics.
		if s.State() != StateDisconnected {
			s.inbound.close()
		}
		s.dispatchWG.Wait()
		s.limiter.close()
	})

	return s, conn
}

func decodeFrame(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// S1: Connect to single URL, publish, server acks, ledger empties.
func TestSession_S1_BasicPublishAck(t *testing.T) {
	s, conn := newTestSession(t, nil)

	result := make(chan error, 1)
	go func() {
		msg := NewMessage()
		msg.SetLong("x", 1)
		result <- s.Publish(context.Background(), msg, time.Second)
	}()

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	frame := decodeFrame(t, conn.frames()[0])
	assert.EqualValues(t, opPublish, frame["op"])
	assert.EqualValues(t, 1, frame["seq"])

	s.handleAck([]byte(`{"op":9,"seq":1}`))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish never returned")
	}
	assert.Equal(t, 0, s.ledger.len())
}

// S2: a publish stays queued in the ledger when the transport drops before
// ack, and resending after a resumed WELCOME completes it without the
// caller seeing a duplicate publish.
func TestSession_S2_ReconnectResend(t *testing.T) {
	s, conn := newTestSession(t, nil)

	result := make(chan error, 1)
	go func() {
		msg := NewMessage()
		msg.SetLong("x", 1)
		result <- s.Publish(context.Background(), msg, 2*time.Second)
	}()

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, s.ledger.len())

	// Transport closes before the ack arrives; session enters RECONNECTING
	// and the ledger entry survives untouched.
	s.mu.Lock()
	s.conn = nil
	s.state = StateReconnecting
	s.mu.Unlock()
	require.Equal(t, 1, s.ledger.len())

	// A new transport comes up and WELCOME says "_resume": true.
	newConn := &fakeConn{}
	s.mu.Lock()
	s.conn = newConn
	s.mu.Unlock()
	s.handleWelcome([]byte(`{"op":2,"client_id":"test-client","_resume":true}`))

	require.Eventually(t, func() bool { return len(newConn.frames()) == 1 }, time.Second, time.Millisecond)
	resent := decodeFrame(t, newConn.frames()[0])
	assert.EqualValues(t, opPublish, resent["op"])
	assert.EqualValues(t, 1, resent["seq"], "resend must reuse the original sequence number")

	s.handleAck([]byte(`{"op":9,"seq":1}`))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Publish never returned after resend")
	}
}

// S3: durable dedup-by-sequence drops a repeat within the same last-seen
// window but re-delivers once last-seen resets (no "_resume").
func TestSession_S3_DurableDedup(t *testing.T) {
	s, conn := newTestSession(t, nil)

	var mu sync.Mutex
	var delivered []int64
	subErr := make(chan error, 1)
	go func() {
		_, err := s.Subscribe(context.Background(), SubscribeOptions{ID: "sub1", Durable: "d1", Ack: "auto"}, func(m *Message) {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, m.Receipt().Sequence)
		})
		subErr <- err
	}()

	// Subscribe blocks until SUBSCRIBED, so confirm it once the SUBSCRIBE
	// frame has gone out.
	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	s.handleSubscribed([]byte(`{"op":4,"id":"sub1"}`))
	require.NoError(t, <-subErr)

	s.handleMessage([]byte(`{"op":7,"seq":5,"to":"sub1","body":{}}`))
	s.handleMessage([]byte(`{"op":7,"seq":5,"to":"sub1","body":{}}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, time.Millisecond, "duplicate seq=5 within the same last-seen window must be dropped")

	// Reconnect without resume resets last-seen for the subscription.
	sub, ok := s.registry.get("sub1")
	require.True(t, ok)
	sub.lastSeq = 0

	s.handleMessage([]byte(`{"op":7,"seq":5,"to":"sub1","body":{}}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, time.Millisecond, "seq=5 must be redelivered once last-seen has been reset")
}

// S4: a rejected SUBSCRIBE completes the caller's Subscribe call with the
// server's error code and removes the subscription from the registry.
func TestSession_S4_SubscribeFailure(t *testing.T) {
	s, conn := newTestSession(t, nil)

	result := make(chan error, 1)
	var subID string
	go func() {
		id, err := s.Subscribe(context.Background(), SubscribeOptions{ID: "sub1", Matcher: "bad(("}, nil)
		subID = id
		result <- err
	}()

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	s.handleUnsubscribed([]byte(`{"op":6,"id":"sub1","err":22,"reason":"bad matcher"}`))

	select {
	case err := <-result:
		require.Error(t, err)
		e, ok := err.(*Error)
		require.True(t, ok)
		assert.EqualValues(t, 22, e.Code)
		assert.Equal(t, "bad matcher", e.Reason)
	case <-time.After(time.Second):
		t.Fatal("Subscribe never returned")
	}
	assert.Empty(t, subID)
	_, found := s.registry.get("sub1")
	assert.False(t, found, "rejected subscription must not remain in the registry")
	assert.Equal(t, 0, s.ledger.len(), "the pending ledger entry must be cleaned up too")
}

// S5: a request that times out removes its ledger entry, and a late reply
// for the same sequence is then discarded rather than crashing or leaking.
func TestSession_S5_RequestTimeout(t *testing.T) {
	s, conn := newTestSession(t, nil)

	result := make(chan error, 1)
	go func() {
		msg := NewMessage()
		_, err := s.SendRequest(context.Background(), msg, 20*time.Millisecond)
		result <- err
	}()

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)

	select {
	case err := <-result:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("SendRequest never returned")
	}
	assert.Equal(t, 0, s.ledger.len())

	// A late reply for the already-unregistered sequence must be a no-op.
	assert.NotPanics(t, func() {
		s.handleRequestReply([]byte(`{"op":14,"seq":1,"body":{}}`))
	})
}

// S6: the client answers a HEARTBEAT with a fresh {"op":0} frame (fields of
// the inbound frame other than op are not echoed), with no user-visible
// effect and no inbound queue growth.
func TestSession_S6_Heartbeat(t *testing.T) {
	s, conn := newTestSession(t, nil)

	s.handleHeartbeat()

	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	frame := decodeFrame(t, conn.frames()[0])
	assert.EqualValues(t, opHeartbeat, frame["op"])
	assert.Equal(t, 0, s.inbound.depth())
}

// S7: Disconnect while RECONNECTING cancels the scheduled backoff before it
// fires and completes every pending ledger entry with an error instead of
// leaving the caller blocked or reporting false success.
func TestSession_S7_DisconnectDuringReconnect(t *testing.T) {
	s, _ := newTestSession(t, &Options{AutoReconnectMaxDelay: time.Hour})

	compl := newCompletion()
	s.ledger.append(&pending{seq: 1, frame: []byte(`{}`), compl: compl})

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.setState(StateReconnecting)

	ctx, cancel := context.WithCancel(s.closeCtx)
	s.reconnectMu.Lock()
	s.reconnectToken++
	token := s.reconnectToken
	s.reconnectCancel = cancel
	s.reconnectMu.Unlock()

	loopDone := make(chan struct{})
	go func() {
		s.reconnectLoop(ctx, token)
		close(loopDone)
	}()

	require.NoError(t, s.Disconnect())

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("reconnectLoop did not exit after Disconnect cancelled its backoff")
	}

	assert.Equal(t, StateDisconnected, s.State())

	_, _, _, err := compl.wait(time.Second)
	require.Error(t, err, "a pending ledger entry must not silently report success after Disconnect")
}
