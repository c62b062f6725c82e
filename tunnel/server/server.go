// Package server implements the public tunnel endpoint: it upgrades the
// incoming websocket, verifies the Auth handshake, arbitrates a single
// active TunnelSession, and runs the reader, writer, and heartbeat tasks
// for the life of that session.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hatunnel/hatunnel-go/auth"
	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/hatunnel/hatunnel-go/realtime/ws"
	"github.com/hatunnel/hatunnel-go/tunnel/dispatcher"
	"github.com/hatunnel/hatunnel-go/tunnel/session"
	"github.com/hatunnel/hatunnel-go/wire"
)

// PeerPolicy decides what happens when a second client dials in while a
// session is already active.
type PeerPolicy string

const (
	// PolicyRejectNew refuses the new connection with already_connected.
	PolicyRejectNew PeerPolicy = "reject_new"
	// PolicySupersede tears down the old session and accepts the new one.
	PolicySupersede PeerPolicy = "supersede"
)

// Config tunes the server's handshake, arbitration, and per-session
// behavior.
type Config struct {
	Secret            []byte
	PeerPolicy        PeerPolicy
	HandshakeTimeout  time.Duration
	CloseGrace        time.Duration
	HeartbeatInterval time.Duration
	QueueCapacity     int
	Dispatcher        dispatcher.Config
}

// DefaultConfig returns the spec's default server-side timeouts.
func DefaultConfig() Config {
	return Config{
		PeerPolicy:        PolicyRejectNew,
		HandshakeTimeout:  10 * time.Second,
		CloseGrace:        2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		QueueCapacity:     256,
		Dispatcher:        dispatcher.DefaultConfig(),
	}
}

type activeHandle struct {
	sess   *session.Session
	cancel context.CancelFunc
}

// Server accepts the single inbound tunnel connection, authenticates it,
// and keeps its Dispatcher bound to whichever session is currently active.
type Server struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	logger     *log.Logger
	obs        observability.TunnelObserver

	mu     sync.Mutex
	active *activeHandle
	epoch  uint64
}

// New constructs a Server. logger and obs may be nil; a nil obs falls back
// to observability.NoopTunnelObserver.
func New(cfg Config, logger *log.Logger, obs observability.TunnelObserver) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	d := dispatcher.New(cfg.Dispatcher)
	d.SetObserver(obs)
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		obs:        obs,
	}
}

// Dispatcher returns the shared correlation table the ingress adapter
// forwards requests through.
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

// HasActiveSession reports whether a client is currently bound.
func (s *Server) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// HandleTunnel upgrades the request to a websocket and runs the connection
// to completion in a new goroutine. It returns once the upgrade itself has
// succeeded or failed; it does not wait for the session to end.
func (s *Server) HandleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: func(*http.Request) bool { return true }})
	if err != nil {
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	conn.SetReadLimit(wire.MaxMessageBytes + 1024)
	go s.serve(conn, r.RemoteAddr)
}

func (s *Server) serve(conn *ws.Conn, remoteAddr string) {
	defer conn.Close()

	hsCtx, hsCancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	msg, n, err := readMessage(hsCtx, conn)
	if err != nil {
		hsCancel()
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonHandshakeTimeout)
		return
	}
	s.obs.BytesIn(n)

	authMsg, ok := msg.(*wire.Auth)
	if !ok {
		_ = writeMessage(hsCtx, conn, &wire.Close{Reason: wire.CloseProtocolError})
		hsCancel()
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonProtocolError)
		return
	}

	if err := auth.Verify(s.cfg.Secret, authMsg.ClientID, authMsg.Timestamp, authMsg.Signature, time.Now()); err != nil {
		_ = writeMessage(hsCtx, conn, &wire.AuthResponse{OK: false, Reason: wire.CloseAuthFailed})
		hsCancel()
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonAuthFailed)
		return
	}

	now := time.Now()
	epoch := s.nextEpoch()
	sess := session.New(session.Identity{
		ClientID:    authMsg.ClientID,
		Epoch:       epoch,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
	}, s.cfg.QueueCapacity, s.cfg.HeartbeatInterval, now)

	connCtx, cancel := context.WithCancel(context.Background())
	accepted, rejectReason := s.bind(sess, cancel)
	if !accepted {
		_ = writeMessage(hsCtx, conn, &wire.AuthResponse{OK: false, Reason: rejectReason})
		hsCancel()
		cancel()
		s.obs.Attach(observability.AttachResultFail, observability.AttachReasonAlreadyConnected)
		return
	}

	sess.State.Activate()
	s.dispatcher.BindSession(sess)
	s.obs.SessionActive(true)

	if err := writeMessage(hsCtx, conn, &wire.AuthResponse{OK: true}); err != nil {
		hsCancel()
		cancel()
		s.teardown(sess, conn, wire.CloseProtocolError)
		return
	}
	hsCancel()

	s.obs.Attach(observability.AttachResultOK, observability.AttachReasonOK)
	s.runConnection(connCtx, conn, sess)
}

func (s *Server) nextEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// bind installs sess as the active session, applying the configured
// PeerPolicy when one is already bound.
func (s *Server) bind(sess *session.Session, cancel context.CancelFunc) (bool, wire.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		s.active = &activeHandle{sess: sess, cancel: cancel}
		return true, ""
	}

	if s.cfg.PeerPolicy != PolicySupersede {
		return false, wire.CloseAlreadyConnected
	}

	old := s.active
	s.active = &activeHandle{sess: sess, cancel: cancel}
	go func() {
		old.sess.State.BeginClosing(wire.CloseSuperseded)
		old.cancel()
	}()
	return true, ""
}

// runConnection drives the reader, writer, and heartbeat tasks for sess
// until one of them decides the connection is over, then tears it down.
func (s *Server) runConnection(ctx context.Context, conn *ws.Conn, sess *session.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	doneCh := make(chan wire.CloseReason, 1)
	var once sync.Once
	trigger := func(reason wire.CloseReason) {
		once.Do(func() {
			sess.State.BeginClosing(reason)
			doneCh <- reason
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writerLoop(ctx, conn, sess)
	}()
	go s.readerLoop(ctx, conn, sess, trigger)
	go sess.Heartbeat.Run(ctx, func(nonce uint64) {
		s.sendControl(sess, &wire.Ping{Nonce: nonce})
		s.obs.Heartbeat(observability.HeartbeatPingSent)
	}, trigger)

	var reason wire.CloseReason
	select {
	case reason = <-doneCh:
	case <-ctx.Done():
		// The session's own state machine already recorded why (e.g. a
		// supersede from another connection, or process shutdown) before
		// this context was canceled.
		reason = sess.State.Reason()
		if reason == "" {
			reason = wire.CloseShutdown
		}
	}

	// Wait (at most one second) for the writer to stop touching the socket
	// before this goroutine writes the final Close frame directly:
	// gorilla/websocket allows only one concurrent writer. ctx is already
	// canceled here, which wakes a writer blocked in WriteMessage.
	select {
	case <-writerDone:
	case <-time.After(time.Second):
	}

	s.teardown(sess, conn, reason)
}

func (s *Server) readerLoop(ctx context.Context, conn *ws.Conn, sess *session.Session, trigger func(wire.CloseReason)) {
	for {
		msg, n, err := readMessage(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ce *wire.CodecError
			if errors.As(err, &ce) {
				reason := wire.CloseProtocolError
				if ce.Kind == wire.ErrOversize {
					reason = wire.CloseOversize
				}
				trigger(reason)
				return
			}
			trigger(wire.CloseProtocolError)
			return
		}
		s.obs.BytesIn(n)

		sess.Heartbeat.NotifyInboundReceived(time.Now())

		switch m := msg.(type) {
		case *wire.Pong:
			if sess.Heartbeat.NotifyPong(m.Nonce) {
				s.obs.Heartbeat(observability.HeartbeatPongReceived)
			}
		case *wire.HttpResponse:
			s.dispatcher.HandleResponse(m)
		case *wire.Ping:
			s.sendControl(sess, &wire.Pong{Nonce: m.Nonce})
		case *wire.Close:
			trigger(m.Reason)
			return
		default:
			s.logger.Printf("tunnel: unexpected %T from %s; dropping", msg, sess.Identity.RemoteAddr)
		}
	}
}

func (s *Server) writerLoop(ctx context.Context, conn *ws.Conn, sess *session.Session) {
	for {
		item, err := sess.Queue.Next(ctx)
		if err != nil {
			return
		}
		writeErr := conn.WriteMessage(ctx, websocket.BinaryMessage, item.Frame)
		item.Done <- writeErr
		close(item.Done)
		if writeErr != nil {
			return
		}
		s.obs.BytesOut(len(item.Frame))
		sess.Heartbeat.NotifyOutboundSent(time.Now())
	}
}

// sendControl enqueues a control-plane frame (Ping/Pong) on sess's outbound
// queue. It never waits on backpressure: a full queue means the connection
// is already unhealthy, and the heartbeat/reader loops must not block on it.
func (s *Server) sendControl(sess *session.Session, m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		return
	}
	_, _ = sess.Queue.Enqueue(context.Background(), data, 0)
}

func (s *Server) teardown(sess *session.Session, conn *ws.Conn, reason wire.CloseReason) {
	s.dispatcher.UnbindIfCurrent(sess)

	s.mu.Lock()
	if s.active != nil && s.active.sess == sess {
		s.active = nil
		s.obs.SessionActive(false)
	}
	s.mu.Unlock()

	sess.Queue.Close(errors.New("tunnel: session closed: " + string(reason)))
	sess.State.BeginClosing(reason) // no-op if a prior trigger already recorded a reason

	graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseGrace)
	_ = writeMessage(graceCtx, conn, &wire.Close{Reason: reason})
	cancel()

	sess.State.Close()
	s.obs.Close(observability.CloseReason(reason))
}

func readMessage(ctx context.Context, conn *ws.Conn) (wire.Message, int, error) {
	mt, data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, 0, err
	}
	if mt != websocket.BinaryMessage {
		return nil, 0, errors.New("tunnel: non-binary frame")
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
