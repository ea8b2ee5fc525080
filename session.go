package eftl

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/eftl-client/internal/transport"
	"github.com/adred-codev/eftl-client/internal/wireurl"
)

// wireConn is the subset of internal/transport.Conn the session actually
// drives. Declaring it lets tests exercise the protocol handler and state
// machine against a fake transport instead of a real WebSocket socket.
type wireConn interface {
	SendText(data []byte)
	SetTimeout(d time.Duration)
	Close() error
}

// ConnectionState is the session's externally visible lifecycle state
// (spec.md §4.2).
type ConnectionState int

const (
	StateInitial ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Session is a single eFTL connection: the protocol handler (C6) and state
// machine (C7) described in spec.md §4.1-§4.3, built around the teacher's
// connection-lifecycle idiom (internal/shared/connection.go) and the
// nats.go client's connect/reconnect loop (apcera-nats's doReconnect),
// generalized from TCP+NATS framing to WebSocket+eFTL JSON framing.
type Session struct {
	opts *Options
	urls *wireurl.List

	mu             sync.RWMutex
	state          ConnectionState
	conn           wireConn
	clientID       string
	idToken        string
	protocol       int
	maxSize        int
	heartbeatEvery time.Duration

	loginCompl *completion

	// pubSeqNum is the single monotonic sequence counter shared by
	// publish, request, and map operations, matching the original C SDK's
	// conn->pubSeqNum (eftl.c): every outbound frame that expects an
	// ack/reply/response consumes the next value, so the ledger can key
	// all three kinds of pending entry off one namespace without
	// collision.
	pubSeqNum int64

	ledger   *ledger
	registry *registry
	inbound  *inboundQueue

	metrics *sessionMetrics
	logger  zerolog.Logger
	limiter *errorFanout

	closeCtx    context.Context
	closeCancel context.CancelFunc

	// reconnectMu guards the currently scheduled reconnectLoop's cancel
	// func so Reconnect can stop a pending backoff before dialing
	// manually (spec.md §4.1: "If RECONNECTING, cancels the scheduled
	// backoff first"). reconnectToken disambiguates a loop's own cleanup
	// from a newer loop started after it, so one goroutine's deferred
	// cleanup never clobbers another's live cancel func.
	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
	reconnectToken  int64

	dispatchWG sync.WaitGroup
}

// Connect dials the first reachable URL in form (spec.md §6 "URL form"),
// performs the LOGIN/WELCOME handshake, and returns a ready-to-use Session.
// If opts.AutoReconnectMaxDelay is positive, the session keeps itself alive
// across transport failures until Disconnect is called.
func Connect(ctx context.Context, urlForm string, opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	resolved := opts.withDefaults()

	urls, err := wireurl.Parse(urlForm)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidArg, "invalid url form", err)
	}
	urls.Shuffle(rand.New(rand.NewSource(time.Now().UnixNano())))

	closeCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		opts:        resolved,
		urls:        urls,
		ledger:      newLedger(),
		registry:    newRegistry(),
		inbound:     newInboundQueue(resolved.InboundQueueSize),
		logger:      resolved.Logger,
		closeCtx:    closeCtx,
		closeCancel: cancel,
	}
	s.limiter = newErrorFanout(resolved.ErrorCallbackRateLimit, resolved.OnError, s.closeActiveConn)

	if err := s.connect(ctx); err != nil {
		cancel()
		return nil, err
	}

	s.metrics = newSessionMetrics(resolved.MetricsRegisterer, s.clientID)
	s.setState(StateConnected)

	s.dispatchWG.Add(1)
	go s.dispatchLoop()

	return s, nil
}

// State returns the session's current connection state.
func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ClientID returns the server-assigned (or caller-requested) client id
// negotiated at WELCOME.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// sendable reports whether the session is in a state that spec.md §4.1
// allows Publish/SendRequest to be called in: CONNECTED, or RECONNECTING
// (where the frame queues in the ledger for replay once the transport
// comes back). Subscribe and the other operations require CONNECTED.
func (s *Session) sendable() bool {
	switch s.State() {
	case StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

// activeConn returns the current transport, or nil before the first dial.
// After a transport closes it keeps returning that closed transport until
// the next dial replaces it.
func (s *Session) activeConn() wireConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// closeActiveConn tears down the current transport, used as the error
// fan-out's pre-delivery close hook (spec.md §4.7).
func (s *Session) closeActiveConn() {
	if conn := s.activeConn(); conn != nil {
		conn.Close()
	}
}

func (s *Session) setState(new ConnectionState) {
	s.mu.Lock()
	old := s.state
	if old == new {
		s.mu.Unlock()
		return
	}
	s.state = new
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.state.Set(float64(new))
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(old, new)
	}
}

// connect performs one login attempt against the current URL in s.urls,
// advancing through the list on failure until one succeeds or the list is
// exhausted (spec.md §6 "URL form": try-in-order, rotate-on-failure).
func (s *Session) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < s.urls.Len(); attempt++ {
		url := s.urls.Current()
		err := s.dialAndLogin(ctx, url)
		if err == nil {
			return nil
		}
		lastErr = err
		s.urls.Advance()
	}
	return wrapError(ErrCodeConnectFailed, "failed to connect to any listed url", lastErr)
}

func (s *Session) dialAndLogin(ctx context.Context, url string) error {
	conn, err := transport.Dial(ctx, transport.Options{
		URL:         url,
		DialTimeout: s.opts.ConnectTimeout,
		TLSConfig:   s.opts.TLSConfig,
	}, transport.Callbacks{
		OnText:  s.onText,
		OnError: s.onTransportError,
		OnClose: s.onTransportClose,
	})
	if err != nil {
		return err
	}

	loginCompl := newCompletion()
	s.mu.Lock()
	s.conn = conn
	s.loginCompl = loginCompl
	s.mu.Unlock()

	login := loginFrame{
		Op:             opLogin,
		Protocol:       protocolVersion,
		ClientType:     clientType,
		ClientVersion:  clientVersion,
		User:           s.opts.Username,
		Password:       s.opts.Password,
		ClientID:       s.opts.ClientID,
		IDToken:        s.opts.IDToken,
		MaxPendingAcks: s.opts.MaxPendingAcks,
		LoginOptions:   map[string]string{},
	}
	frame, err := encodeFrame(login)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SendText(frame)

	_, _, _, err = loginCompl.wait(s.opts.ConnectTimeout)
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}

// onText handles one decoded inbound JSON frame, dispatching on its
// opcode (spec.md §4.6). This is called from the transport's read pump
// goroutine and must not block on user code — MESSAGE frames are queued to
// the inbound queue and handled by the dispatcher goroutine instead.
func (s *Session) onText(data []byte) {
	op, err := decodeOp(data)
	if err != nil {
		s.limiter.report(wrapError(ErrCodeInvalidType, "malformed frame", err))
		return
	}

	switch op {
	case opWelcome:
		s.handleWelcome(data)
	case opHeartbeat:
		s.handleHeartbeat()
	case opSubscribed:
		s.handleSubscribed(data)
	case opUnsubscribed:
		s.handleUnsubscribed(data)
	case opMessage:
		s.handleMessage(data)
	case opAck:
		s.handleAck(data)
	case opError:
		s.handleError(data)
	case opDisconnect:
		s.handleDisconnect(data)
	case opRequestReply:
		s.handleRequestReply(data)
	case opMapResponse:
		s.handleMapResponse(data)
	default:
		s.logger.Debug().Int("op", op).Msg("unhandled opcode")
	}

	// Re-arm the idle timeout after every handled frame, so only a silent
	// connection hits the read deadline.
	s.mu.RLock()
	conn, heartbeat := s.conn, s.heartbeatEvery
	s.mu.RUnlock()
	if conn != nil && heartbeat > 0 {
		conn.SetTimeout(heartbeat * 2)
	}
}

func (s *Session) handleWelcome(data []byte) {
	var w welcomeFrame
	if err := json.Unmarshal(data, &w); err != nil {
		s.limiter.report(wrapError(ErrCodeInvalidType, "malformed welcome frame", err))
		return
	}

	s.mu.Lock()
	s.clientID = w.ClientID
	s.idToken = w.IDToken
	s.protocol = w.Protocol
	s.maxSize = w.MaxSize
	if w.Timeout > 0 {
		s.heartbeatEvery = time.Duration(w.Timeout) * time.Second
	}
	compl := s.loginCompl
	s.loginCompl = nil
	resumed := resumeTrue(w.Resume)
	conn := s.conn
	heartbeat := s.heartbeatEvery
	s.mu.Unlock()

	if conn != nil && heartbeat > 0 {
		conn.SetTimeout(heartbeat * 2)
	}

	if compl != nil {
		compl.signal(ErrCodeOK, "", nil)
	}

	// Without "_resume" the server replays from scratch, so every
	// subscription's last-seen sequence starts over at 0.
	if !resumed {
		s.registry.mu.Lock()
		for _, sub := range s.registry.byID {
			sub.lastSeq = 0
		}
		s.registry.mu.Unlock()
	}
	s.repairAfterResume()
}

// repairAfterResume replays the subscription registry and resends the
// outstanding ledger in its original order. handleWelcome calls it after
// every WELCOME, resumed or not; on a first connect both are empty and it
// sends nothing.
func (s *Session) repairAfterResume() {
	for _, sub := range s.registry.snapshot() {
		s.sendSubscribe(sub)
	}
	for _, p := range s.ledger.snapshot() {
		// Subscribe-pending entries (keyed via subSeqKey) carry no frame:
		// the registry replay above already restated that interest.
		if s.conn != nil && len(p.frame) > 0 {
			s.conn.SendText(p.frame)
		}
	}
}

func (s *Session) handleHeartbeat() {
	if s.conn != nil {
		frame, _ := encodeFrame(struct {
			Op int `json:"op"`
		}{Op: opHeartbeat})
		s.conn.SendText(frame)
	}
}

func (s *Session) handleSubscribed(data []byte) {
	var f subscribedFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if p, ok := s.ledger.complete(subSeqKey(f.ID)); ok && p.compl != nil {
		p.compl.signal(ErrCodeOK, "", nil)
	}
}

func (s *Session) handleUnsubscribed(data []byte) {
	var f unsubscribedFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	s.registry.remove(f.ID)
	if f.Err == 0 {
		return
	}
	// A rejected SUBSCRIBE and a durable kicked by the server both arrive
	// as UNSUBSCRIBED with a nonzero err. If the caller's Subscribe is
	// still waiting on it, complete that call with the server's error;
	// otherwise it's an already-confirmed subscription being torn down
	// asynchronously, so fan it out as an async error instead (spec.md
	// §4.1/§4.6, scenario S4 — these are alternatives, never both).
	if p, ok := s.ledger.complete(subSeqKey(f.ID)); ok && p.compl != nil {
		p.compl.signal(ErrorCode(f.Err), f.Reason, nil)
		return
	}
	s.limiter.report(newError(ErrorCode(f.Err), f.Reason))
}

func (s *Session) handleMessage(data []byte) {
	var f messageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.limiter.report(wrapError(ErrCodeInvalidType, "malformed message frame", err))
		return
	}
	msg, err := unmarshalBody(f.Body)
	if err != nil {
		s.limiter.report(wrapError(ErrCodeInvalidType, "malformed message body", err))
		return
	}
	msg.receipt = Receipt{Sequence: f.Seq, SubscriptionID: f.To}
	msg.replyTo = f.ReplyTo
	msg.requestID = f.ReqID
	msg.storeID = f.SID
	msg.deliveryCount = f.Cnt

	if s.metrics != nil {
		s.metrics.messagesRecv.Inc()
	}

	s.inbound.push(inboundEnvelope{subID: f.To, seq: f.Seq, frame: f, msg: msg})
	if s.metrics != nil {
		s.metrics.inboundDepth.Set(float64(s.inbound.depth()))
	}
}

func (s *Session) handleAck(data []byte) {
	var f ackFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	p, ok := s.ledger.complete(f.Seq)
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.ledgerDepth.Set(float64(s.ledger.len()))
	}
	if p.compl == nil {
		return
	}
	if f.Err != 0 {
		// Per the documented open question: an ACK error does not reset
		// pubSeqNum. We signal the waiter with the server's error and move
		// on without touching s.pubSeqNum.
		p.compl.signal(ErrorCode(f.Err), f.Reason, nil)
		return
	}
	p.compl.signal(ErrCodeOK, "", nil)
}

func (s *Session) handleError(data []byte) {
	var f errorFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	s.limiter.report(newError(ErrorCode(f.Err), f.Reason))
}

func (s *Session) handleDisconnect(data []byte) {
	var f disconnectFrame
	_ = json.Unmarshal(data, &f)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Session) handleRequestReply(data []byte) {
	var f requestReplyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	p, ok := s.ledger.complete(f.Seq)
	if !ok || p.compl == nil {
		return
	}
	if f.Err != 0 {
		p.compl.signal(ErrorCode(f.Err), f.Reason, nil)
		return
	}
	msg, err := unmarshalBody(f.Body)
	if err != nil {
		p.compl.signal(ErrCodeInvalidType, "malformed reply body", nil)
		return
	}
	p.compl.signal(ErrCodeOK, "", msg)
}

func (s *Session) handleMapResponse(data []byte) {
	var f mapResponseFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	p, ok := s.ledger.complete(f.Seq)
	if !ok || p.compl == nil {
		return
	}
	if f.Err != 0 {
		p.compl.signal(ErrorCode(f.Err), f.Reason, nil)
		return
	}
	var msg *Message
	if len(f.Value) > 0 {
		m, err := unmarshalBody(f.Value)
		if err == nil {
			msg = m
		}
	}
	p.compl.signal(ErrCodeOK, "", msg)
}

func (s *Session) onTransportError(err error, code int, reason string) {
	msg := "transport error"
	if code != 0 {
		msg = fmt.Sprintf("transport error (close code %d: %s)", code, reason)
	}
	s.limiter.report(wrapError(ErrCodeConnectionLost, msg, err))
}

// onTransportClose handles the transport's close callback, including
// spec.md §4.2's server-initiated restart rule: a close code of
// ErrCodeServiceRestart (1012) forces a reconnect attempt even if automatic
// reconnect is otherwise disabled, because the server is telling us the
// disconnect is routine, not terminal.
func (s *Session) onTransportClose(code int, reason string) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state == StateDisconnecting || state == StateDisconnected {
		return
	}

	forceReconnect := code == int(ErrCodeServiceRestart)
	if s.opts.AutoReconnectMaxDelay <= 0 && !forceReconnect {
		s.setState(StateDisconnected)
		s.ledger.drain(ErrCodeConnectionLost, fmt.Sprintf("connection lost (close code %d: %s), reconnect disabled", code, reason))
		return
	}

	s.setState(StateReconnecting)
	ctx, cancel := context.WithCancel(s.closeCtx)
	s.reconnectMu.Lock()
	s.reconnectToken++
	token := s.reconnectToken
	s.reconnectCancel = cancel
	s.reconnectMu.Unlock()

	go s.reconnectLoop(ctx, token)
}

// reconnectLoop implements spec.md §4.2's jittered exponential backoff:
// min(autoReconnectMaxDelay, 2^attempts * 1000ms * jitter) with jitter in
// [0.5, 1.5), the same shape as the teacher's rate limiter backoff and
// nats.go's doReconnect retry loop, generalized to unbounded or
// attempt-capped retry. ctx is scoped to this loop's lifetime, not the
// whole session, so Reconnect can cancel a scheduled backoff without
// tearing the session down (spec.md §4.1).
func (s *Session) reconnectLoop(ctx context.Context, token int64) {
	defer func() {
		s.reconnectMu.Lock()
		if s.reconnectToken == token {
			s.reconnectCancel = nil
		}
		s.reconnectMu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.opts.AutoReconnectAttempts > 0 && attempt >= s.opts.AutoReconnectAttempts {
			s.setState(StateDisconnected)
			s.ledger.drain(ErrCodeConnectFailed, "exhausted reconnect attempts")
			return
		}

		delay := backoffDelay(attempt, s.opts.AutoReconnectMaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		if s.metrics != nil {
			s.metrics.reconnects.Inc()
		}

		err := s.connect(ctx)
		attempt++
		if err != nil {
			s.limiter.report(wrapError(ErrCodeConnectFailed, "reconnect attempt failed", err))
			continue
		}

		s.setState(StateConnected)
		return
	}
}

func backoffDelay(attempt int, max time.Duration) time.Duration {
	base := math.Pow(2, float64(attempt)) * float64(time.Second)
	jitter := 0.5 + rand.Float64()
	delay := time.Duration(base * jitter)
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Disconnect sends a best-effort DISCONNECT frame, stops the reconnect
// machinery, and releases every resource blocked on the ledger or inbound
// queue.
func (s *Session) Disconnect() error {
	s.setState(StateDisconnecting)
	s.closeCancel()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn != nil {
		frame, _ := encodeFrame(disconnectFrame{Op: opDisconnect})
		conn.SendText(frame)
		conn.Close()
	}

	s.inbound.close()
	s.dispatchWG.Wait()

	// spec.md §8 S7: a pending publish/request/subscribe unblocked by
	// Disconnect never got its ack, so it completes with an error, not
	// ErrCodeOK — a caller checking the return value must see the
	// operation didn't actually succeed.
	s.ledger.drain(ErrCodeConnectionLost, "session disconnected")
	s.registry.clear()
	s.limiter.close()
	s.setState(StateDisconnected)
	return nil
}

// Reconnect forces an immediate reconnect attempt regardless of the current
// backoff timer, used by callers that detect network recovery out of band
// (e.g. a mobile app's connectivity callback).
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateConnected {
		return nil
	}

	// Cancel any scheduled backoff timer so the reconnectLoop goroutine
	// (if one is sleeping) doesn't race this manual attempt and dial
	// twice concurrently.
	s.reconnectMu.Lock()
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	s.reconnectMu.Unlock()

	s.setState(StateReconnecting)
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.setState(StateConnected)
	return nil
}

// nextSeq returns the next value of the shared publish/request/map
// sequence counter. Per the documented open question, a server-reported
// ACK error never rewinds this counter — it only ever increases.
func (s *Session) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubSeqNum++
	return s.pubSeqNum
}

func (s *Session) sendSubscribe(sub *subscription) {
	if s.conn == nil {
		return
	}
	frame, err := encodeFrame(subscribeFrame{
		Op:      opSubscribe,
		ID:      sub.id,
		Ack:     sub.ackMode,
		Matcher: sub.matcher,
		Durable: sub.durable,
		Type:    sub.typ,
		Key:     sub.key,
	})
	if err != nil {
		return
	}
	s.conn.SendText(frame)
}

// subSeqKey maps a subscription id into the ledger's seq-indexed namespace
// so SUBSCRIBE/SUBSCRIBED can share the same completion mechanism as
// publish/request acks without a second lookup table. The key is always
// negative, so it can never collide with a real publish sequence number,
// which starts at 1 and only grows.
func subSeqKey(id string) int64 {
	var h int64
	for i := 0; i < len(id); i++ {
		h = h*31 + int64(id[i])
	}
	if h >= 0 {
		h = -h - 1
	}
	return h
}

func (s *Session) errf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...))
}
