// Package transport implements the Transport collaborator spec.md §6 names
// as an external dependency: open/send_text/close/set_timeout plus
// on_open/on_text/on_error/on_close callbacks, backed by a real WebSocket
// client connection. Grounded on the teacher's gobwas/ws usage
// (internal/shared/handlers_ws.go, pump_read.go, pump_write.go), adapted
// from the server-side Upgrade+accept loop to a client-side Dial+read/write
// pump pair.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Callbacks are invoked by the transport's internal read/write pumps.
// OnText and OnError may be called concurrently with each other only in
// the sense that OnError can fire from either pump; both are serialized
// per-pump so a single Callbacks implementation never needs its own
// locking to stay consistent with itself.
type Callbacks struct {
	OnOpen func()
	OnText func(data []byte)
	// OnError carries a read/write failure (e.g. a dead TCP read). A close
	// frame from the server is not an error and is reported through
	// OnClose only, so OnError's code is always 0 and its reason empty.
	OnError func(err error, code int, reason string)
	// OnClose carries the numeric close code and reason so callers can
	// distinguish a server-initiated restart (code 1012) from an ordinary
	// close.
	OnClose func(code int, reason string)
}

// Options configures a Conn's dial and I/O behavior.
type Options struct {
	URL           string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSConfig     *tls.Config
	SendQueueSize int
}

// Conn is a single WebSocket client connection: a dialer, a read pump
// decoding text frames into Callbacks.OnText, and a write pump draining an
// outbound queue, the way the teacher's per-client readPump/writePump pair
// works, mirrored onto the client side of the socket.
type Conn struct {
	opts Options

	conn net.Conn

	send   chan []byte
	done   chan struct{}
	cb     Callbacks

	closeOnce sync.Once
}

// Dial opens the WebSocket connection and starts the read/write pumps.
// OnOpen is invoked synchronously before Dial returns; OnText/OnError/
// OnClose are invoked from the pump goroutines for the lifetime of the
// connection.
func Dial(ctx context.Context, opts Options, cb Callbacks) (*Conn, error) {
	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	dialer := ws.Dialer{TLSConfig: opts.TLSConfig}
	rawConn, _, _, err := dialer.Dial(dialCtx, opts.URL)
	if err != nil {
		return nil, err
	}

	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	c := &Conn{
		opts: opts,
		conn: rawConn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
		cb:   cb,
	}

	if cb.OnOpen != nil {
		cb.OnOpen()
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump mirrors the teacher's readPump: blocking reads, dispatched to
// OnText for text frames, terminating the connection on any error or an
// explicit close frame.
func (c *Conn) readPump() {
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			// ReadServerData handles control frames itself and reports a
			// server close frame as a wsutil.ClosedError.
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.teardown(int(closed.Code), closed.Reason, nil)
				return
			}
			c.teardown(0, "", err)
			return
		}
		switch op {
		case ws.OpText:
			if c.cb.OnText != nil {
				c.cb.OnText(data)
			}
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(data)
			c.teardown(int(code), reason, nil)
			return
		}
	}
}

// writePump mirrors the teacher's writePump batching idiom: it drains
// whatever has queued since the last flush into a single buffered write.
func (c *Conn) writePump() {
	writer := bufio.NewWriter(c.conn)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if c.opts.WriteTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			if err := wsutil.WriteClientMessage(writer, ws.OpText, data); err != nil {
				c.teardown(0, "", err)
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				data = <-c.send
				if err := wsutil.WriteClientMessage(writer, ws.OpText, data); err != nil {
					c.teardown(0, "", err)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.teardown(0, "", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// SendText enqueues a text frame for the write pump. It does not block on
// network I/O, only on the send queue filling up.
func (c *Conn) SendText(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// SetTimeout adjusts the read deadline, used to enforce the heartbeat-
// driven idle timeout negotiated at WELCOME (SPEC_FULL.md supplemented
// feature 1).
func (c *Conn) SetTimeout(d time.Duration) {
	if d <= 0 {
		c.conn.SetReadDeadline(time.Time{})
		return
	}
	c.conn.SetReadDeadline(time.Now().Add(d))
}

// Close tears the connection down from the caller's side.
func (c *Conn) Close() error {
	c.teardown(0, "", nil)
	return nil
}

func (c *Conn) teardown(code int, reason string, err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if err != nil && c.cb.OnError != nil {
			c.cb.OnError(err, code, reason)
		}
		if c.cb.OnClose != nil {
			c.cb.OnClose(code, reason)
		}
	})
}
