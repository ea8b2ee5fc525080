package eftl

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// errorFanout is the detached error/state callback worker (spec.md
// component C10): it serializes asynchronous Error deliveries to the
// caller's OnError hook through a single goroutine, token-bucket throttled
// with golang.org/x/time/rate so a server or network condition producing a
// storm of errors cannot turn into a storm of callback invocations.
// Adapted from the teacher's ConnectionRateLimiter
// (internal/shared/limits/connection_rate_limiter.go), narrowed from a
// per-IP+global two-level limiter to the single token bucket an SDK
// callback fan-out needs.
type errorFanout struct {
	limiter   *rate.Limiter
	onError   func(*Error)
	closeConn func()

	mu     sync.Mutex
	queue  []*Error
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newErrorFanout builds the fan-out worker. closeConn, if non-nil, is
// called immediately before every onError delivery so the transport is
// already torn down by the time the user's handler runs — spec.md §4.7
// requires this so a handler calling Reconnect never races a
// partially-live transport still owned by the read/write pumps.
func newErrorFanout(limiter *rate.Limiter, onError func(*Error), closeConn func()) *errorFanout {
	ctx, cancel := context.WithCancel(context.Background())
	f := &errorFanout{
		limiter:   limiter,
		onError:   onError,
		closeConn: closeConn,
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if onError != nil {
		go f.run()
	} else {
		close(f.done)
	}
	return f
}

// report enqueues an error for delivery. Never blocks the caller — the
// transport read pump and dispatcher both call this inline.
func (f *errorFanout) report(err *Error) {
	if f.onError == nil || err == nil {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, err)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *errorFanout) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.notify:
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			err := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			if f.limiter != nil {
				if werr := f.limiter.Wait(f.ctx); werr != nil {
					return
				}
			}
			if f.closeConn != nil {
				f.closeConn()
			}
			f.onError(err)
		}
	}
}

func (f *errorFanout) close() {
	f.cancel()
	<-f.done
}
