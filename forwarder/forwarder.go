// Package forwarder implements the client-side request forwarder: it turns
// a tunnel-delivered HttpRequest into a local HTTP call against the Home
// Assistant collaborator, under a concurrency cap with fail-fast overflow.
package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hatunnel/hatunnel-go/internal/contextutil"
	"github.com/hatunnel/hatunnel-go/wire"
)

// hopByHop lists the header names that must never be copied across a proxy
// boundary in either direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Config tunes the forwarder's target, timeout, and concurrency cap.
type Config struct {
	BaseURL     string        // Home Assistant base URL, e.g. http://homeassistant.local:8123
	Timeout     time.Duration // ha_timeout; default 10s.
	MaxInFlight int           // Concurrency cap; default 64.
	QueueDepth  int           // FIFO bound beyond the concurrency cap; default 64.
}

// DefaultConfig returns the spec's default forwarder timeouts and caps.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxInFlight: 64,
		QueueDepth:  64,
	}
}

// Forwarder issues local HTTP calls on behalf of forwarded tunnel requests.
//
// Two bounds gate each call: admission (MaxInFlight+QueueDepth slots,
// reserved for the request's entire lifetime, queued or running) and
// running (MaxInFlight slots, reserved only while the local HTTP call is
// actually in flight). A request that can't even get an admission slot
// fails fast with 503; one that gets admitted but not yet a running slot
// waits its turn, approximating the spec's short FIFO queue.
type Forwarder struct {
	cfg       Config
	client    *http.Client
	admission chan struct{}
	running   chan struct{}
}

// New constructs a Forwarder against baseURL using cfg's timeout and caps.
func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Forwarder{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		admission: make(chan struct{}, cfg.MaxInFlight+cfg.QueueDepth),
		running:   make(chan struct{}, cfg.MaxInFlight),
	}
}

// Handle translates req into a local HTTP call and returns the resulting
// HttpResponse. It never returns an error: every failure mode (timeout,
// connect failure, overflow) is encoded as a wire.HttpResponse status per
// spec.
func (f *Forwarder) Handle(ctx context.Context, req *wire.HttpRequest) *wire.HttpResponse {
	select {
	case f.admission <- struct{}{}:
	default:
		return busyResponse(req.CorrelationID)
	}
	defer func() { <-f.admission }()

	select {
	case f.running <- struct{}{}:
	case <-ctx.Done():
		return timeoutResponse(req.CorrelationID)
	}
	defer func() { <-f.running }()

	return f.call(ctx, req)
}

func (f *Forwarder) call(ctx context.Context, req *wire.HttpRequest) *wire.HttpResponse {
	target := strings.TrimRight(f.cfg.BaseURL, "/") + joinPath(req.Path, req.Query)

	callCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return badGatewayResponse(req.CorrelationID)
	}
	for _, h := range req.Headers {
		if hopByHop[strings.ToLower(h.Name)] {
			continue
		}
		httpReq.Header.Add(h.Name, h.Value)
	}
	if req.HasClientIP {
		if existing := httpReq.Header.Get("X-Forwarded-For"); existing != "" {
			httpReq.Header.Set("X-Forwarded-For", existing+", "+req.ClientIP)
		} else {
			httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
		}
		httpReq.Header.Set("X-Real-IP", req.ClientIP)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || callCtx.Err() == context.DeadlineExceeded {
			return timeoutResponse(req.CorrelationID)
		}
		return badGatewayResponse(req.CorrelationID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return badGatewayResponse(req.CorrelationID)
	}

	headers := make([]wire.Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		if hopByHop[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			headers = append(headers, wire.Header{Name: name, Value: v})
		}
	}

	return &wire.HttpResponse{
		CorrelationID: req.CorrelationID,
		Status:        resp.StatusCode,
		Headers:       headers,
		Body:          body,
	}
}

func joinPath(path, query string) string {
	if path == "" {
		path = "/"
	}
	if query == "" {
		return path
	}
	return path + "?" + query
}

func timeoutResponse(cid [16]byte) *wire.HttpResponse {
	return &wire.HttpResponse{CorrelationID: cid, Status: http.StatusGatewayTimeout}
}

func badGatewayResponse(cid [16]byte) *wire.HttpResponse {
	return &wire.HttpResponse{CorrelationID: cid, Status: http.StatusBadGateway}
}

func busyResponse(cid [16]byte) *wire.HttpResponse {
	return &wire.HttpResponse{CorrelationID: cid, Status: http.StatusServiceUnavailable}
}
