// Package ws wraps gorilla/websocket with context-deadline-aware
// ReadMessage/WriteMessage, so the single persistent tunnel connection
// can be driven by ctx cancellation the same way the rest of hatunnel is.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one tunnel-carrying websocket connection: exactly one per
// session, since hatunnel pairs a single client to a single server at a
// time rather than multiplexing several logical channels over it.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes the one upgrader knob hatunnel's single-peer
// model needs: whether to accept the handshake at all. Buffer sizing is
// left at gorilla's defaults.
type UpgraderOptions struct {
	CheckOrigin func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions is reserved for per-dial overrides; hatunnel's client
// dials with the zero value today.
type DialOptions struct {
	Header http.Header
}

// Dial opens a websocket connection with deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// ReadMessage reads a websocket frame, honoring ctx's deadline and
// cancellation.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := watchDeadline(ctx, c.c.SetReadDeadline)
	defer deadline()

	mt, b, err := c.c.ReadMessage()
	if err == nil {
		return mt, b, nil
	}
	return 0, nil, mapTimeout(ctx, err, hasDeadline)
}

// WriteMessage writes a websocket frame, honoring ctx's deadline and
// cancellation.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := watchDeadline(ctx, c.c.SetWriteDeadline)
	defer deadline()

	err := c.c.WriteMessage(messageType, data)
	if err == nil {
		return nil
	}
	return mapTimeout(ctx, err, hasDeadline)
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// watchDeadline arms setDeadline from ctx's own deadline, if any, and
// additionally forces it to fire the instant ctx is canceled — gorilla's
// blocking read/write otherwise ignores ctx cancellation entirely. It
// returns a cleanup func and whether ctx carried an explicit deadline,
// the latter needed by mapTimeout to decide whether a timeout error
// means "deadline passed" or "canceled before any deadline existed".
func watchDeadline(ctx context.Context, setDeadline func(time.Time) error) (cleanup func(), hasDeadline bool) {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = setDeadline(deadline)
	} else {
		_ = setDeadline(time.Time{})
	}
	if ctx.Done() == nil {
		return func() {}, hasDeadline
	}
	var active atomic.Bool
	active.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		active.Store(false)
		stop()
	}, hasDeadline
}

// mapTimeout turns a net.Error timeout raised by the deadline
// watchDeadline armed into ctx.Err() or context.DeadlineExceeded, so
// callers see a stable error contract regardless of which clock won the
// race between the context timer and the socket deadline.
func mapTimeout(ctx context.Context, err error, hasDeadline bool) error {
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if hasDeadline {
		return context.DeadlineExceeded
	}
	return err
}
