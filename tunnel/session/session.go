package session

import (
	"time"

	"github.com/hatunnel/hatunnel-go/tunnel/heartbeat"
	"github.com/hatunnel/hatunnel-go/tunnel/state"
)

// Identity records who is bound to this session and when the binding
// started. It does not change for the lifetime of the Session.
type Identity struct {
	ClientID    string
	Epoch       uint64
	RemoteAddr  string
	ConnectedAt time.Time
}

// Session is the server's record of the single currently-bound client: its
// identity, outbound send queue, connection state machine, and heartbeat
// engine. At most one Session exists per server process.
type Session struct {
	Identity  Identity
	Queue     *Queue
	State     *state.Machine
	Heartbeat *heartbeat.Engine
}

// New constructs a Session in the Handshaking state, ready to be moved to
// Active once Auth verification succeeds.
func New(identity Identity, queueCapacity int, heartbeatInterval time.Duration, now time.Time) *Session {
	return &Session{
		Identity:  identity,
		Queue:     NewQueue(queueCapacity),
		State:     state.New(),
		Heartbeat: heartbeat.New(heartbeatInterval, now),
	}
}
