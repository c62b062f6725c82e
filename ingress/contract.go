// Package ingress implements the public-facing side of the Dispatcher
// contract: translating an inbound HTTP request into a forwarded
// HttpRequest, and a Forward outcome back into an HTTP response.
package ingress

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/hatunnel/hatunnel-go/tunnelerr"
	"github.com/hatunnel/hatunnel-go/wire"
)

// maxBodyBytes bounds the buffered request body; beyond this the caller
// gets 413 before a Dispatcher.Forward is even attempted.
const maxBodyBytes = wire.MaxMessageBytes

// hopByHop lists the header names stripped from the response written back
// to the ingress caller. Connection semantics don't survive reframing
// through the tunnel, so these never reach the caller.
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

// Dispatcher is the subset of *dispatcher.Dispatcher the ingress adapter
// depends on, kept narrow so it can be faked in tests without standing up a
// real tunnel session.
type Dispatcher interface {
	Forward(ctx context.Context, req *wire.HttpRequest) (*wire.HttpResponse, error)
}

// BuildRequest assembles a wire.HttpRequest from r. attachClientIP controls
// whether the reserved ClientIP field (spec.md §9's ha_pass_client_ip open
// question) is populated from r.RemoteAddr. It returns a KindOversize error
// when the body exceeds maxBodyBytes (the caller should respond 413 in that
// case) and a KindLocal error when the body cannot be read.
func BuildRequest(r *http.Request, attachClientIP bool) (*wire.HttpRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, tunnelerr.Wrap("ingress.buildRequest", tunnelerr.KindLocal, err)
	}
	if len(body) > maxBodyBytes {
		return nil, tunnelerr.Wrap("ingress.buildRequest", tunnelerr.KindOversize, io.ErrShortBuffer)
	}

	headers := make([]wire.Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, wire.Header{Name: name, Value: v})
		}
	}

	req := &wire.HttpRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}
	if attachClientIP {
		if ip := clientIP(r); ip != "" {
			req.HasClientIP = true
			req.ClientIP = ip
		}
	}
	return req, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// WriteResponse writes resp's outcome according to the Dispatcher contract:
// on success the upstream status/headers/body are copied verbatim (minus
// hop-by-hop headers); on failure err's tunnelerr.Kind selects the mapped
// status code and a short textual body naming the failure class.
func WriteResponse(w http.ResponseWriter, resp *wire.HttpResponse, err error) {
	if err != nil {
		if tunnelerr.Is(err, tunnelerr.KindBusy) {
			w.Header().Set("Retry-After", "1")
		}
		status, text := outcomeFor(err)
		http.Error(w, text, status)
		return
	}

	h := w.Header()
	for _, header := range resp.Headers {
		if hopByHop[strings.ToLower(header.Name)] {
			continue
		}
		h.Add(header.Name, header.Value)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// outcomeFor maps a Dispatcher.Forward error to the HTTP status and body
// text spec.md §4.8 and §7 specify. An oversize result here means the
// tunnel-side response itself exceeded the frame cap, distinct from an
// oversize inbound request body (caught earlier, in BuildRequest, as 413).
func outcomeFor(err error) (int, string) {
	switch {
	case tunnelerr.Is(err, tunnelerr.KindNoClient):
		return http.StatusServiceUnavailable, "no_client"
	case tunnelerr.Is(err, tunnelerr.KindBusy):
		return http.StatusServiceUnavailable, "busy"
	case tunnelerr.Is(err, tunnelerr.KindTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case tunnelerr.Is(err, tunnelerr.KindDisconnected):
		return http.StatusBadGateway, "disconnected"
	case tunnelerr.Is(err, tunnelerr.KindOversize):
		return http.StatusBadGateway, "response_too_large"
	default:
		return http.StatusBadGateway, "disconnected"
	}
}
