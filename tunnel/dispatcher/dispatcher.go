// Package dispatcher implements the server-side correlation table: it
// assigns correlation ids to forwarded requests, parks callers on a waiter
// slot, and resumes them on matching response, timeout, or session loss.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/hatunnel/hatunnel-go/tunnel/session"
	"github.com/hatunnel/hatunnel-go/tunnelerr"
	"github.com/hatunnel/hatunnel-go/wire"
)

// Config tunes the Dispatcher's timeouts and backpressure behavior.
type Config struct {
	ClientTimeout  time.Duration // How long Forward waits for a session to appear.
	RequestTimeout time.Duration // How long Forward waits for a matching response.
	EnqueueWait    time.Duration // How long Forward waits for the outbound queue to drain when full.
}

// DefaultConfig returns the spec's default timeouts.
func DefaultConfig() Config {
	return Config{
		ClientTimeout:  10 * time.Second,
		RequestTimeout: 30 * time.Second,
		EnqueueWait:    200 * time.Millisecond,
	}
}

type result struct {
	resp *wire.HttpResponse
	err  error
}

// Dispatcher is the single shared correlation table consumed by the ingress
// adapter. Insert, remove, and lookup are short, lock-guarded operations;
// no await ever happens while the lock is held.
type Dispatcher struct {
	cfg Config
	obs observability.TunnelObserver

	mu      sync.Mutex
	sess    *session.Session
	readyCh chan struct{}
	pending map[[16]byte]chan result
}

// New constructs an empty Dispatcher with no bound session.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		obs:     observability.NoopTunnelObserver,
		readyCh: make(chan struct{}),
		pending: make(map[[16]byte]chan result),
	}
}

// SetObserver installs obs as the Dispatcher's metrics sink. A nil obs
// restores the no-op observer.
func (d *Dispatcher) SetObserver(obs observability.TunnelObserver) {
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	d.mu.Lock()
	d.obs = obs
	d.mu.Unlock()
}

// BindSession attaches the newly-active session, waking any caller parked
// in Forward waiting for a client to appear.
func (d *Dispatcher) BindSession(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		// readyCh is open only while no session is bound; a supersede binds
		// over a still-bound session whose readyCh is already closed.
		close(d.readyCh)
	}
	d.sess = s
}

// UnbindSession detaches the current session (if any) and resolves every
// outstanding waiter with Disconnected.
func (d *Dispatcher) UnbindSession() {
	d.mu.Lock()
	if d.sess == nil {
		d.mu.Unlock()
		return
	}
	d.sess = nil
	d.readyCh = make(chan struct{})
	pending := d.pending
	d.pending = make(map[[16]byte]chan result)
	d.mu.Unlock()
	d.obs.PendingRequests(0)

	disconnectErr := tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindDisconnected, errors.New("tunnel session terminated"))
	for _, ch := range pending {
		ch <- result{err: disconnectErr}
	}
}

// UnbindIfCurrent detaches s only if it is still the bound session. It is
// the safe call for a connection's own teardown path, where a supersede race
// may already have bound a newer session by the time teardown runs.
func (d *Dispatcher) UnbindIfCurrent(s *session.Session) {
	d.mu.Lock()
	if d.sess != s {
		d.mu.Unlock()
		return
	}
	d.sess = nil
	d.readyCh = make(chan struct{})
	pending := d.pending
	d.pending = make(map[[16]byte]chan result)
	d.mu.Unlock()
	d.obs.PendingRequests(0)

	disconnectErr := tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindDisconnected, errors.New("tunnel session terminated"))
	for _, ch := range pending {
		ch <- result{err: disconnectErr}
	}
}

// PendingCount reports the number of requests currently parked on a waiter.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Forward assigns a correlation id to req, enqueues it on the bound
// session's outbound queue, and parks the caller until a matching response
// arrives, the request times out, or the session is lost.
func (d *Dispatcher) Forward(ctx context.Context, req *wire.HttpRequest) (resp *wire.HttpResponse, err error) {
	defer func() { d.obs.Forward(forwardResultFor(err)) }()

	sess, err := d.awaitSession(ctx)
	if err != nil {
		return nil, err
	}

	cid := uuid.New()
	req.CorrelationID = [16]byte(cid)

	resultCh := make(chan result, 1)
	d.mu.Lock()
	d.pending[req.CorrelationID] = resultCh
	pendingN := len(d.pending)
	d.mu.Unlock()
	d.obs.PendingRequests(pendingN)

	cleanup := func() {
		d.mu.Lock()
		delete(d.pending, req.CorrelationID)
		pendingN := len(d.pending)
		d.mu.Unlock()
		d.obs.PendingRequests(pendingN)
	}

	encoded, err := wire.Encode(req)
	if err != nil {
		cleanup()
		return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindCodec, err)
	}

	if _, err := sess.Queue.Enqueue(ctx, encoded, d.cfg.EnqueueWait); err != nil {
		cleanup()
		if errors.Is(err, session.ErrBusy) {
			return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindBusy, err)
		}
		return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindDisconnected, err)
	}

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-timer.C:
		cleanup()
		return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func forwardResultFor(err error) observability.ForwardResult {
	switch {
	case err == nil:
		return observability.ForwardResultOK
	case tunnelerr.Is(err, tunnelerr.KindTimeout):
		return observability.ForwardResultTimeout
	case tunnelerr.Is(err, tunnelerr.KindBusy):
		return observability.ForwardResultBusy
	case tunnelerr.Is(err, tunnelerr.KindNoClient):
		return observability.ForwardResultNoClient
	case tunnelerr.Is(err, tunnelerr.KindDisconnected):
		return observability.ForwardResultDisconnected
	default:
		return observability.ForwardResultDisconnected
	}
}

// HandleResponse resolves the waiter matching resp's correlation id. An
// unknown or already-resolved correlation id is silently dropped: it may be
// a duplicate response, or one that already lost the race to a timeout.
func (d *Dispatcher) HandleResponse(resp *wire.HttpResponse) {
	d.mu.Lock()
	ch, ok := d.pending[resp.CorrelationID]
	if ok {
		delete(d.pending, resp.CorrelationID)
	}
	pendingN := len(d.pending)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.obs.PendingRequests(pendingN)
	ch <- result{resp: resp}
}

func (d *Dispatcher) awaitSession(ctx context.Context) (*session.Session, error) {
	d.mu.Lock()
	sess := d.sess
	ready := d.readyCh
	d.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	timer := time.NewTimer(d.cfg.ClientTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		d.mu.Lock()
		sess = d.sess
		d.mu.Unlock()
		if sess == nil {
			return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindNoClient, errors.New("no active session"))
		}
		return sess, nil
	case <-timer.C:
		return nil, tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindNoClient, errors.New("no client connected"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
