// Package observability defines the metric event vocabulary emitted by the
// tunnel server and client, independent of any particular exporter.
package observability

import (
	"sync"
	"sync/atomic"
)

// AttachResult is the outcome of one client connection attempt.
type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

// AttachReason qualifies an AttachResult.
type AttachReason string

const (
	AttachReasonOK                 AttachReason = "ok"
	AttachReasonUpgradeError       AttachReason = "upgrade_error"
	AttachReasonHandshakeTimeout   AttachReason = "handshake_timeout"
	AttachReasonProtocolError      AttachReason = "protocol_error"
	AttachReasonUnsupportedVersion AttachReason = "unsupported_version"
	AttachReasonAuthFailed         AttachReason = "auth_failed"
	AttachReasonAlreadyConnected   AttachReason = "already_connected"
	AttachReasonSuperseded         AttachReason = "superseded"
)

// ForwardResult is the outcome of one Dispatcher.Forward call, mirroring the
// tunnelerr Kind vocabulary the ingress adapter maps to HTTP status codes.
type ForwardResult string

const (
	ForwardResultOK           ForwardResult = "ok"
	ForwardResultTimeout      ForwardResult = "timeout"
	ForwardResultBusy         ForwardResult = "busy"
	ForwardResultNoClient     ForwardResult = "no_client"
	ForwardResultDisconnected ForwardResult = "disconnected"
)

// CloseReason names why a tunnel connection was torn down.
type CloseReason string

const (
	CloseReasonShutdown         CloseReason = "shutdown"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonSuperseded       CloseReason = "superseded"
	CloseReasonProtocolError    CloseReason = "protocol_error"
	CloseReasonOversize         CloseReason = "oversize"
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonTransportError   CloseReason = "transport_error"
)

// HeartbeatEvent is one outcome recorded by the heartbeat engine.
type HeartbeatEvent string

const (
	HeartbeatPingSent     HeartbeatEvent = "ping_sent"
	HeartbeatPongReceived HeartbeatEvent = "pong_received"
	HeartbeatTimeout      HeartbeatEvent = "timeout"
)

// TunnelObserver receives tunnel-level metric events from the server.
type TunnelObserver interface {
	Attach(result AttachResult, reason AttachReason)
	SessionActive(active bool)
	Forward(result ForwardResult)
	PendingRequests(n int)
	Heartbeat(event HeartbeatEvent)
	Close(reason CloseReason)
	BytesIn(n int)
	BytesOut(n int)
}

type noopTunnelObserver struct{}

func (noopTunnelObserver) Attach(AttachResult, AttachReason) {}
func (noopTunnelObserver) SessionActive(bool)                {}
func (noopTunnelObserver) Forward(ForwardResult)             {}
func (noopTunnelObserver) PendingRequests(int)               {}
func (noopTunnelObserver) Heartbeat(HeartbeatEvent)          {}
func (noopTunnelObserver) Close(CloseReason)                 {}
func (noopTunnelObserver) BytesIn(int)                       {}
func (noopTunnelObserver) BytesOut(int)                      {}

// NoopTunnelObserver is a zero-cost observer used when metrics are disabled.
var NoopTunnelObserver TunnelObserver = noopTunnelObserver{}

// AtomicTunnelObserver swaps its delegate at runtime, so SIGUSR1/SIGUSR2 can
// toggle metrics collection without restarting the server.
type AtomicTunnelObserver struct {
	once sync.Once
	v    atomic.Value
}

type tunnelObserverHolder struct {
	obs TunnelObserver
}

// NewAtomicTunnelObserver returns an initialized atomic observer defaulting
// to the no-op delegate.
func NewAtomicTunnelObserver() *AtomicTunnelObserver {
	a := &AtomicTunnelObserver{}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTunnelObserver) Set(obs TunnelObserver) {
	if obs == nil {
		obs = NoopTunnelObserver
	}
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	a.v.Store(&tunnelObserverHolder{obs: obs})
}

func (a *AtomicTunnelObserver) load() TunnelObserver {
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
	return a.v.Load().(*tunnelObserverHolder).obs
}

func (a *AtomicTunnelObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().Attach(result, reason)
}
func (a *AtomicTunnelObserver) SessionActive(active bool)      { a.load().SessionActive(active) }
func (a *AtomicTunnelObserver) Forward(result ForwardResult)   { a.load().Forward(result) }
func (a *AtomicTunnelObserver) PendingRequests(n int)          { a.load().PendingRequests(n) }
func (a *AtomicTunnelObserver) Heartbeat(event HeartbeatEvent) { a.load().Heartbeat(event) }
func (a *AtomicTunnelObserver) Close(reason CloseReason)       { a.load().Close(reason) }
func (a *AtomicTunnelObserver) BytesIn(n int)                  { a.load().BytesIn(n) }
func (a *AtomicTunnelObserver) BytesOut(n int)                 { a.load().BytesOut(n) }
