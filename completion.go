package eftl

import (
	"sync"
	"time"
)

// completion is the one-shot rendezvous described in spec.md §3: the first
// signal wins and any later signal is dropped silently.
// Created by the operation that needs a result, discarded after the caller
// reads it.
type completion struct {
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	code     ErrorCode
	reason   string
	response *Message
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// signal delivers the outcome exactly once; subsequent calls are no-ops,
// preventing the double-free/double-notify idiom spec.md §9 flags in the
// original source.
func (c *completion) signal(code ErrorCode, reason string, response *Message) {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.reason = reason
		c.response = response
		c.mu.Unlock()
		close(c.done)
	})
}

// wait blocks until signalled or the timeout elapses. A zero timeout waits
// forever.
func (c *completion) wait(timeout time.Duration) (ErrorCode, string, *Message, error) {
	if timeout <= 0 {
		<-c.done
		return c.result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.result()
	case <-timer.C:
		return 0, "", nil, ErrTimeout
	}
}

func (c *completion) result() (ErrorCode, string, *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.code != ErrCodeOK {
		return c.code, c.reason, c.response, &Error{Code: c.code, Reason: c.reason}
	}
	return c.code, c.reason, c.response, nil
}
