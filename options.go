package eftl

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Connect call. The zero value is usable; every field
// has a documented default applied by Connect.
type Options struct {
	// Username/Password are sent on the LOGIN frame's "user"/"password"
	// fields. Leave both empty for anonymous login.
	Username string
	Password string

	// ClientID requests a specific client id; empty lets the server assign
	// one.
	ClientID string

	// IDToken, if set, is sent on the LOGIN frame's "id_token" field,
	// alongside any Username/Password.
	IDToken string

	// TLSConfig is used for wss:// URLs. A nil value uses Go's default
	// trust store.
	TLSConfig *tls.Config

	// ConnectTimeout bounds a single URL dial attempt. Default 10s.
	ConnectTimeout time.Duration

	// AutoReconnectMaxDelay caps the exponential backoff between reconnect
	// attempts (spec.md §4.2). Zero selects the default of 30s. A negative
	// value disables automatic reconnect entirely.
	AutoReconnectMaxDelay time.Duration

	// AutoReconnectAttempts caps the number of reconnect attempts before
	// the session gives up and transitions to DISCONNECTED. Zero means
	// unlimited.
	AutoReconnectAttempts int

	// MaxPendingAcks bounds the request ledger (SPEC_FULL.md supplemented
	// feature 2); Publish/SendRequest fail fast with ErrMaxPendingAcks once
	// this many are outstanding. KVMap operations are not checked. Zero
	// means unlimited, and then max_pending_acks is left out of the LOGIN
	// frame.
	MaxPendingAcks int

	// InboundQueueSize bounds the dispatcher's inbound queue (C4). Default
	// 256.
	InboundQueueSize int

	// ErrorCallbackRateLimit throttles the asynchronous error/state fan-out
	// (C10) so a misbehaving server cannot starve the caller's goroutine
	// pool with callback invocations. A nil value uses a 5/sec, burst-5
	// limiter.
	ErrorCallbackRateLimit *rate.Limiter

	// MetricsRegisterer, if non-nil, receives the session's Prometheus
	// metrics (see metrics.go). A nil value disables metrics registration.
	MetricsRegisterer prometheus.Registerer

	// Logger receives the session's structured log output; the session
	// logs inbound frames with an unhandled opcode, at debug level. The
	// zero value is a disabled logger (zerolog.Nop()).
	Logger zerolog.Logger

	// OnStateChange is invoked whenever the session's ConnectionState
	// changes (spec.md §4.2, §8 "state-change-on-change-only"). Optional.
	OnStateChange func(old, new ConnectionState)

	// OnError is invoked for asynchronous errors the session cannot
	// attribute to a specific pending operation (C10). Optional.
	OnError func(err *Error)
}

func (o *Options) withDefaults() *Options {
	cp := *o
	if cp.ConnectTimeout <= 0 {
		cp.ConnectTimeout = 10 * time.Second
	}
	if cp.AutoReconnectMaxDelay == 0 {
		cp.AutoReconnectMaxDelay = 30 * time.Second
	}
	if cp.InboundQueueSize <= 0 {
		cp.InboundQueueSize = 256
	}
	if cp.ErrorCallbackRateLimit == nil {
		cp.ErrorCallbackRateLimit = rate.NewLimiter(rate.Limit(5), 5)
	}
	return &cp
}
