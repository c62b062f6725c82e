// Package heartbeat implements the tunnel's ping cadence, pong tracking, and
// idle-connection detection described by the connection state machine.
package heartbeat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/hatunnel/hatunnel-go/wire"
)

// Action is the outcome of one heartbeat tick.
type Action int

const (
	ActionNone Action = iota
	ActionSendPing
	ActionDead
)

// Engine tracks ping/pong state for one tunnel connection. It holds only a
// weak reference to the connection: it signals closure via a callback and
// never touches the socket directly.
type Engine struct {
	interval  time.Duration
	nextNonce func() uint64

	lastInbound  time.Time
	lastOutbound time.Time
	hasPending   bool
	pendingNonce uint64
	missed       int
}

// New constructs an Engine for the given heartbeat interval. now seeds the
// initial activity timestamps so the first tick does not immediately
// declare the peer dead.
func New(interval time.Duration, now time.Time) *Engine {
	return &Engine{
		interval:     interval,
		nextNonce:    rand.Uint64,
		lastInbound:  now,
		lastOutbound: now,
	}
}

// NotifyInboundReceived records that a message of any kind arrived. It
// resets the "no traffic at all" silence detector.
func (e *Engine) NotifyInboundReceived(now time.Time) {
	e.lastInbound = now
}

// NotifyOutboundSent records that an outbound message was sent,
// deferring the next scheduled Ping (the cadence is "every interval of
// outbound idleness", not a fixed clock).
func (e *Engine) NotifyOutboundSent(now time.Time) {
	e.lastOutbound = now
}

// NotifyPong reports an inbound Pong. It returns true if nonce matched the
// single outstanding Ping; a Pong with an unknown nonce is silently dropped
// (returns false) and has no effect on the missed-ping count.
func (e *Engine) NotifyPong(nonce uint64) bool {
	if e.hasPending && e.pendingNonce == nonce {
		e.hasPending = false
		e.missed = 0
		return true
	}
	return false
}

// Tick evaluates the engine at time now and returns the action the caller
// must take: send a new Ping, declare the peer dead, or do nothing this
// round. It is pure with respect to now, so it can be driven by a real
// ticker or by synthetic timestamps in tests.
func (e *Engine) Tick(now time.Time) (action Action, nonce uint64) {
	if now.Sub(e.lastInbound) >= 2*e.interval {
		return ActionDead, 0
	}
	if now.Sub(e.lastOutbound) < e.interval {
		return ActionNone, 0
	}
	if e.hasPending {
		e.missed++
		if e.missed >= 2 {
			return ActionDead, 0
		}
	}
	nonce = e.nextNonce()
	e.pendingNonce = nonce
	e.hasPending = true
	e.lastOutbound = now
	return ActionSendPing, nonce
}

// Run drives the engine on a real clock until ctx is cancelled or the peer
// is declared dead. send encodes and transmits a Ping carrying nonce. When
// the peer is declared dead, onDead is invoked once with
// CloseHeartbeatTimeout and Run returns; if ctx ends first, Run returns
// without calling onDead.
func (e *Engine) Run(ctx context.Context, send func(nonce uint64), onDead func(reason wire.CloseReason)) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch action, nonce := e.Tick(now); action {
			case ActionSendPing:
				send(nonce)
			case ActionDead:
				onDead(wire.CloseHeartbeatTimeout)
				return
			}
		}
	}
}
