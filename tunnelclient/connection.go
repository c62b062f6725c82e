// Package tunnelclient implements the private-network side of the tunnel:
// dial, authenticate, and run the reader/writer/heartbeat task triad that
// keeps one persistent session alive and forwards inbound HttpRequests to
// the local Home Assistant instance.
package tunnelclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hatunnel/hatunnel-go/auth"
	"github.com/hatunnel/hatunnel-go/forwarder"
	"github.com/hatunnel/hatunnel-go/internal/contextutil"
	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/hatunnel/hatunnel-go/realtime/ws"
	"github.com/hatunnel/hatunnel-go/tunnel/heartbeat"
	"github.com/hatunnel/hatunnel-go/wire"
)

// Config tunes one connection attempt.
type Config struct {
	ServerURL         string // ws(s):// or http(s):// URL of the tunnel endpoint; normalized before dialing.
	ClientID          string
	Secret            []byte
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration // Bound on how long a forwarded request may run before the local call is abandoned.
}

// DefaultConfig returns the spec's default client-side timeouts.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    35 * time.Second,
	}
}

// ErrMisconfigured marks a handshake failure the reconnect supervisor
// should treat as unlikely to resolve itself on retry (bad secret, version
// skew) rather than a transient network blip.
var ErrMisconfigured = errors.New("tunnelclient: misconfigured")

// Connection runs a single connect-authenticate-serve cycle against fwd,
// logging through logger and reporting events through obs. It returns when
// the session ends, with the reason it ended for and, for misconfiguration,
// an error wrapping ErrMisconfigured.
type Connection struct {
	cfg    Config
	fwd    *forwarder.Forwarder
	logger *log.Logger
	obs    observability.TunnelObserver
}

// New constructs a Connection. logger and obs may be nil.
func New(cfg Config, fwd *forwarder.Forwarder, logger *log.Logger, obs observability.TunnelObserver) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	return &Connection{cfg: cfg, fwd: fwd, logger: logger, obs: obs}
}

// Run dials the server, performs the Auth handshake, and — on success —
// serves the connection until it ends (peer close, heartbeat timeout,
// transport error, or ctx cancellation). It always returns a non-nil error
// describing why the cycle ended, except when ctx was canceled for a clean
// shutdown, in which case it returns ctx.Err().
func (c *Connection) Run(ctx context.Context) error {
	wsURL, err := normalizeURL(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := ws.Dial(dialCtx, wsURL, ws.DialOptions{})
	cancel()
	if err != nil {
		return fmt.Errorf("tunnelclient: dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(wire.MaxMessageBytes + 1024)

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	c.obs.Attach(observability.AttachResultOK, observability.AttachReasonOK)
	c.obs.SessionActive(true)
	defer c.obs.SessionActive(false)

	reason := c.serve(ctx, conn)
	c.obs.Close(observability.CloseReason(reason))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("tunnelclient: session ended: %s", reason)
}

func (c *Connection) handshake(ctx context.Context, conn *ws.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	now := time.Now().Unix()
	authMsg := &wire.Auth{
		ClientID:  c.cfg.ClientID,
		Timestamp: now,
		Signature: auth.Sign(c.cfg.Secret, c.cfg.ClientID, now),
	}
	if err := writeMessage(hsCtx, conn, authMsg); err != nil {
		c.obs.Attach(observability.AttachResultFail, observability.AttachReasonProtocolError)
		return fmt.Errorf("tunnelclient: send auth: %w", err)
	}

	msg, n, err := readMessage(hsCtx, conn)
	if err != nil {
		c.obs.Attach(observability.AttachResultFail, observability.AttachReasonHandshakeTimeout)
		return fmt.Errorf("tunnelclient: await auth response: %w", err)
	}
	c.obs.BytesIn(n)

	resp, ok := msg.(*wire.AuthResponse)
	if !ok {
		c.obs.Attach(observability.AttachResultFail, observability.AttachReasonProtocolError)
		return fmt.Errorf("tunnelclient: expected AuthResponse, got %T", msg)
	}
	if !resp.OK {
		c.obs.Attach(observability.AttachResultFail, observability.AttachReasonAuthFailed)
		if resp.Reason == wire.CloseBadSecret || resp.Reason == wire.CloseAuthFailed || resp.Reason == wire.CloseUnsupportedVersion {
			return fmt.Errorf("%w: handshake rejected: %s", ErrMisconfigured, resp.Reason)
		}
		return fmt.Errorf("tunnelclient: handshake rejected: %s", resp.Reason)
	}
	return nil
}

// serve runs the reader/writer/heartbeat task triad until one of them ends
// the connection, and returns the reason.
func (c *Connection) serve(ctx context.Context, conn *ws.Conn) wire.CloseReason {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendCh := make(chan []byte, 64)
	doneCh := make(chan wire.CloseReason, 1)
	var once sync.Once
	trigger := func(reason wire.CloseReason) {
		once.Do(func() {
			doneCh <- reason
			cancel()
		})
	}

	hb := heartbeat.New(c.cfg.HeartbeatInterval, time.Now())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writerLoop(ctx, conn, sendCh, hb)
	}()
	go c.readerLoop(ctx, conn, hb, sendCh, trigger)
	go hb.Run(ctx, func(nonce uint64) {
		if data, err := wire.Encode(&wire.Ping{Nonce: nonce}); err == nil {
			select {
			case sendCh <- data:
				c.obs.Heartbeat(observability.HeartbeatPingSent)
			default:
			}
		}
	}, trigger)

	var reason wire.CloseReason
	select {
	case reason = <-doneCh:
	case <-ctx.Done():
		reason = wire.CloseShutdown
	}

	select {
	case <-writerDone:
	case <-time.After(time.Second):
	}

	graceCtx, gcancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = writeMessage(graceCtx, conn, &wire.Close{Reason: reason})
	gcancel()

	return reason
}

func (c *Connection) readerLoop(ctx context.Context, conn *ws.Conn, hb *heartbeat.Engine, sendCh chan<- []byte, trigger func(wire.CloseReason)) {
	for {
		msg, n, err := readMessage(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ce *wire.CodecError
			if errors.As(err, &ce) && ce.Kind == wire.ErrOversize {
				trigger(wire.CloseOversize)
				return
			}
			trigger(wire.CloseProtocolError)
			return
		}
		c.obs.BytesIn(n)

		hb.NotifyInboundReceived(time.Now())

		switch m := msg.(type) {
		case *wire.Ping:
			if data, err := wire.Encode(&wire.Pong{Nonce: m.Nonce}); err == nil {
				select {
				case sendCh <- data:
				case <-ctx.Done():
					return
				}
			}
		case *wire.Pong:
			hb.NotifyPong(m.Nonce)
			c.obs.Heartbeat(observability.HeartbeatPongReceived)
		case *wire.HttpRequest:
			go c.handleRequest(ctx, m, sendCh)
		case *wire.Close:
			trigger(m.Reason)
			return
		default:
			c.logger.Printf("tunnelclient: unexpected %T from server; dropping", msg)
		}
	}
}

func (c *Connection) handleRequest(ctx context.Context, req *wire.HttpRequest, sendCh chan<- []byte) {
	callCtx, cancel := contextutil.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp := c.fwd.Handle(callCtx, req)
	data, err := wire.Encode(resp)
	if err != nil {
		c.logger.Printf("tunnelclient: encode response for %x: %v", resp.CorrelationID, err)
		return
	}
	select {
	case sendCh <- data:
	case <-ctx.Done():
	}
}

func (c *Connection) writerLoop(ctx context.Context, conn *ws.Conn, sendCh <-chan []byte, hb *heartbeat.Engine) {
	for {
		select {
		case data := <-sendCh:
			if err := conn.WriteMessage(ctx, websocket.BinaryMessage, data); err != nil {
				return
			}
			c.obs.BytesOut(len(data))
			hb.NotifyOutboundSent(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func readMessage(ctx context.Context, conn *ws.Conn) (wire.Message, int, error) {
	mt, data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, 0, err
	}
	if mt != websocket.BinaryMessage {
		return nil, 0, errors.New("tunnelclient: non-binary frame")
	}
	msg, err := wire.Decode(data)
	return msg, len(data), err
}

func writeMessage(ctx context.Context, conn *ws.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(ctx, websocket.BinaryMessage, data)
}

// normalizeURL accepts either a ws(s):// or http(s):// server URL (spec.md
// §9 permits both in config) and resolves it to the ws(s):// form the
// dialer expects. A URL with no path (or just "/") is pointed at /tunnel;
// any other path is kept as given.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/tunnel"
	}
	return u.String(), nil
}
