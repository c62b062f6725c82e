// Package state implements the per-tunnel connection lifecycle:
// Handshaking -> Active -> Closing -> Closed.
package state

import (
	"fmt"
	"sync"

	"github.com/hatunnel/hatunnel-go/wire"
)

// State is one of the four lifecycle stages of a tunnel connection.
type State int

const (
	Handshaking State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine tracks one connection's lifecycle. The zero value is not usable;
// construct with New.
type Machine struct {
	mu     sync.Mutex
	cur    State
	reason wire.CloseReason
}

// New returns a Machine starting in Handshaking.
func New() *Machine {
	return &Machine{cur: Handshaking}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Reason returns the close reason recorded when the machine left Active (or
// failed handshake). It is empty until a transition records one.
func (m *Machine) Reason() wire.CloseReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Activate transitions Handshaking -> Active. It reports false if the
// machine was not in Handshaking.
func (m *Machine) Activate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != Handshaking {
		return false
	}
	m.cur = Active
	return true
}

// FailHandshake transitions Handshaking -> Closed directly, used for invalid
// auth, handshake timeout, or a codec error before the session is active.
func (m *Machine) FailHandshake(reason wire.CloseReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != Handshaking {
		return false
	}
	m.cur = Closed
	m.reason = reason
	return true
}

// BeginClosing transitions Active -> Closing. Idempotent: once Closing or
// Closed, later calls are no-ops and the first reason recorded wins.
func (m *Machine) BeginClosing(reason wire.CloseReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == Closing || m.cur == Closed {
		return false
	}
	if m.cur != Active {
		return false
	}
	m.cur = Closing
	m.reason = reason
	return true
}

// Close transitions Closing -> Closed, called once the socket is drained or
// the grace deadline elapses. Idempotent.
func (m *Machine) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == Closed {
		return false
	}
	if m.cur != Closing {
		return false
	}
	m.cur = Closed
	return true
}

// IsTerminal reports whether the machine has reached Closed.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur == Closed
}
