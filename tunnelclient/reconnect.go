package tunnelclient

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"
)

// ConnRunner is the subset of *Connection the Supervisor depends on, kept
// narrow so the retry/cooldown/jitter logic is testable without a live
// websocket dial, and so main can wire a real *Connection in without the
// Supervisor needing to know its concrete type.
type ConnRunner interface {
	Run(ctx context.Context) error
}

// Supervisor repeatedly runs a ConnRunner, sleeping a jittered interval
// between attempts. Unlike an exponential-backoff retry loop, the interval
// stays constant across ordinary transient failures — spec.md's reconnect
// model is "retry at a steady cadence", not "back off further each time" —
// except that a handshake rejected as a misconfiguration (bad secret,
// unsupported protocol version) is backed off much further, since retrying
// immediately cannot possibly help.
type Supervisor struct {
	newConn  func() ConnRunner
	interval time.Duration
	logger   *log.Logger
}

// misconfiguredCooldown multiplies the base reconnect interval when the
// last attempt failed handshake verification rather than the network.
const misconfiguredCooldown = 6

// NewSupervisor constructs a Supervisor. newConn is called once per
// attempt so each cycle gets a fresh Connection (and therefore a fresh
// websocket dial); interval is the base reconnect_interval, already
// clamped to [1,300]s by the config loader.
func NewSupervisor(newConn func() ConnRunner, interval time.Duration, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{newConn: newConn, interval: interval, logger: logger}
}

// Run blocks, reconnecting until ctx is canceled or its deadline passes,
// and then returns ctx.Err(); a failed attempt is always retried, never
// treated as terminal. An attempt that returns nil or an error wrapping
// context.Canceled also ends the loop, again returning ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn := s.newConn()
		err := conn.Run(ctx)

		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		wait := jitter(s.interval)
		if errors.Is(err, ErrMisconfigured) {
			wait = jitter(s.interval * misconfiguredCooldown)
			s.logger.Printf("tunnelclient: misconfigured (%v) — retrying in %s", err, wait.Truncate(time.Millisecond))
		} else {
			s.logger.Printf("tunnelclient: connection ended (%v) — retrying in %s", err, wait.Truncate(time.Millisecond))
		}

		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

// jitter returns d scaled by a uniformly random factor in [0.8, 1.2],
// the ±20% spec.md's reconnect jitter invariant names.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
