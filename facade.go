package eftl

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	// ID, if empty, is generated.
	ID string
	// Matcher is the eFTL content matcher expression; empty subscribes to
	// everything.
	Matcher string
	// Durable names a durable subscription to join or create.
	Durable string
	// Type selects a subscription type understood by the server (e.g. a
	// last-value durable); empty is the default durable type.
	Type string
	// Key is the last-value durable's dedup key field name (SPEC_FULL.md
	// supplemented feature 3).
	Key string
	// Ack selects the acknowledgement mode: "auto" (default), "client", or
	// "none".
	Ack string
}

// Publish sends a one-way message and waits for the server's ACK. The
// returned error wraps any server-reported ACK error (spec.md §4.4); per
// the documented open question, an ACK error never rewinds the publish
// sequence counter.
func (s *Session) Publish(ctx context.Context, msg *Message, timeout time.Duration) error {
	if !s.sendable() {
		return ErrNotConnected
	}
	if s.opts.MaxPendingAcks > 0 && s.ledger.len() >= s.opts.MaxPendingAcks {
		return ErrMaxPendingAcks
	}

	body, err := marshalBody(msg)
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode message body", err)
	}

	seq := s.nextSeq()
	frame, err := encodeFrame(publishFrame{Op: opPublish, Seq: seq, Body: body})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode publish frame", err)
	}

	compl := newCompletion()
	s.ledger.append(&pending{seq: seq, frame: frame, compl: compl})
	if s.metrics != nil {
		s.metrics.ledgerDepth.Set(float64(s.ledger.len()))
	}

	// While RECONNECTING, the session still holds the closed transport
	// until the next dial replaces it, and a send on a closed transport
	// goes nowhere; the frame stays in the ledger and repairAfterResume
	// resends it after the next WELCOME (spec.md §3: entries created while
	// CONNECTED or RECONNECTING are both valid).
	if conn := s.activeConn(); conn != nil {
		conn.SendText(frame)
		if s.metrics != nil {
			s.metrics.messagesSent.Inc()
		}
	}

	start := time.Now()
	_, _, _, err = compl.wait(timeout)
	if s.metrics != nil {
		s.metrics.publishLatency.Observe(time.Since(start).Seconds())
	}
	// On success handleAck already removed this entry; on timeout/error it
	// is still sitting in the ledger and must be evicted here so a later,
	// out-of-band ACK for the same sequence has nothing left to complete
	// (spec.md §8 scenario S5). complete is a harmless no-op if the entry
	// is already gone.
	s.ledger.complete(seq)
	return err
}

// SendRequest sends a request and blocks until a reply arrives or timeout
// elapses. Requires the negotiated protocol version to support requests
// (spec.md §4.5).
func (s *Session) SendRequest(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if !s.sendable() {
		return nil, ErrNotConnected
	}
	s.mu.RLock()
	proto := s.protocol
	s.mu.RUnlock()
	if proto < protocolVersion {
		return nil, ErrNotSupported
	}
	if s.opts.MaxPendingAcks > 0 && s.ledger.len() >= s.opts.MaxPendingAcks {
		return nil, ErrMaxPendingAcks
	}

	body, err := marshalBody(msg)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidType, "failed to encode request body", err)
	}

	seq := s.nextSeq()
	frame, err := encodeFrame(requestFrame{Op: opRequest, Seq: seq, Body: body})
	if err != nil {
		return nil, wrapError(ErrCodeInvalidType, "failed to encode request frame", err)
	}

	compl := newCompletion()
	s.ledger.append(&pending{seq: seq, frame: frame, compl: compl})

	if conn := s.activeConn(); conn != nil {
		conn.SendText(frame)
		if s.metrics != nil {
			s.metrics.messagesSent.Inc()
		}
	}

	start := time.Now()
	_, _, resp, err := compl.wait(timeout)
	if s.metrics != nil {
		s.metrics.requestLatency.Observe(time.Since(start).Seconds())
	}
	// See Publish: a timed-out request leaves its ledger entry behind
	// unless we evict it here, so a later RequestReply for the same
	// sequence is discarded instead of completing a stale completion.
	s.ledger.complete(seq)
	return resp, err
}

// SendReply answers a message delivered with a reply-to destination. It is
// fire-and-forget: the eFTL protocol has no ack for replies.
func (s *Session) SendReply(ctx context.Context, request *Message, reply *Message) error {
	if !request.IsRequest() {
		return ErrInvalidArg
	}
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	body, err := marshalBody(reply)
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode reply body", err)
	}

	frame, err := encodeFrame(replyFrame{
		Op:    opReply,
		Seq:   request.receipt.Sequence,
		To:    request.replyTo,
		ReqID: request.requestID,
		Body:  body,
	})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode reply frame", err)
	}

	s.conn.SendText(frame)
	return nil
}

// Subscribe registers interest and blocks until the server confirms with
// SUBSCRIBED or rejects with an error. handler is invoked by the single
// dispatcher goroutine for every matching message, in strict delivery
// order (spec.md §8).
func (s *Session) Subscribe(ctx context.Context, opts SubscribeOptions, handler func(*Message)) (string, error) {
	if s.State() != StateConnected {
		return "", ErrNotConnected
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Ack == "" {
		opts.Ack = "auto"
	}

	sub := &subscription{
		id:      opts.ID,
		matcher: opts.Matcher,
		durable: opts.Durable,
		ackMode: opts.Ack,
		typ:     opts.Type,
		key:     opts.Key,
		handler: handler,
	}
	s.registry.add(sub)

	compl := newCompletion()
	key := subSeqKey(opts.ID)
	s.ledger.append(&pending{seq: key, compl: compl})

	s.sendSubscribe(sub)

	_, _, _, err := compl.wait(s.opts.ConnectTimeout)
	if err != nil {
		s.registry.remove(opts.ID)
		s.ledger.complete(key)
		return "", err
	}
	return opts.ID, nil
}

// CloseSubscription unsubscribes and, if del is true, also deletes a
// durable's server-side state.
func (s *Session) CloseSubscription(id string, del bool) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := encodeFrame(unsubscribeFrame{Op: opUnsubscribe, ID: id, Del: &del})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode unsubscribe frame", err)
	}
	s.conn.SendText(frame)
	s.registry.remove(id)
	return nil
}

// CloseAllSubscriptions unsubscribes every active subscription.
func (s *Session) CloseAllSubscriptions() error {
	for _, sub := range s.registry.snapshot() {
		if err := s.CloseSubscription(sub.id, false); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge acknowledges a single client-ack-mode message.
func (s *Session) Acknowledge(receipt Receipt) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := encodeFrame(ackFrame{Op: opAck, Seq: receipt.Sequence})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode ack frame", err)
	}
	s.conn.SendText(frame)
	return nil
}

// AcknowledgeAll acknowledges every message up to and including seq on a
// given subscription.
func (s *Session) AcknowledgeAll(subscriptionID string, seq int64) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := encodeFrame(ackFrame{Op: opAck, Seq: seq, ID: subscriptionID})
	if err != nil {
		return wrapError(ErrCodeInvalidType, "failed to encode ack frame", err)
	}
	s.conn.SendText(frame)
	return nil
}
