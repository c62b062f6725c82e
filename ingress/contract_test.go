package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hatunnel/hatunnel-go/tunnelerr"
	"github.com/hatunnel/hatunnel-go/wire"
)

func TestBuildRequestCopiesMethodPathQueryHeadersBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/alexa/smart_home?a=1", strings.NewReader("payload"))
	r.Header.Set("Authorization", "Bearer x")
	r.Header.Set("Connection", "keep-alive")

	req, err := BuildRequest(r, false)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.Method != http.MethodPost || req.Path != "/api/alexa/smart_home" || req.Query != "a=1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.Body) != "payload" {
		t.Fatalf("unexpected body: %q", req.Body)
	}
	if req.HasClientIP {
		t.Fatalf("expected HasClientIP false when not requested")
	}

	found := false
	for _, h := range req.Headers {
		if h.Name == "Authorization" && h.Value == "Bearer x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Authorization header present, got %+v", req.Headers)
	}
}

func TestBuildRequestOversizeBodyRejected(t *testing.T) {
	big := strings.NewReader(strings.Repeat("x", maxBodyBytes+1))
	r := httptest.NewRequest(http.MethodPost, "/", big)

	_, err := BuildRequest(r, false)
	if !tunnelerr.Is(err, tunnelerr.KindOversize) {
		t.Fatalf("expected oversize error, got %v", err)
	}
}

func TestBuildRequestAttachesClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4321"

	req, err := BuildRequest(r, true)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if !req.HasClientIP || req.ClientIP != "203.0.113.9" {
		t.Fatalf("expected client ip attached, got %+v", req)
	}
}

func TestWriteResponseSuccessStripsHopByHop(t *testing.T) {
	w := httptest.NewRecorder()
	WriteResponse(w, &wire.HttpResponse{
		Status: 200,
		Headers: []wire.Header{
			{Name: "X-Custom", Value: "v"},
			{Name: "Connection", Value: "keep-alive"},
		},
		Body: []byte("hello"),
	}, nil)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
	if w.Header().Get("Connection") != "" {
		t.Fatalf("expected Connection stripped")
	}
	if w.Header().Get("X-Custom") != "v" {
		t.Fatalf("expected X-Custom preserved")
	}
}

func TestWriteResponseErrorOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"no client", tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindNoClient, errors.New("x")), http.StatusServiceUnavailable, false},
		{"busy", tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindBusy, errors.New("x")), http.StatusServiceUnavailable, true},
		{"timeout", tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindTimeout, errors.New("x")), http.StatusGatewayTimeout, false},
		{"disconnected", tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindDisconnected, errors.New("x")), http.StatusBadGateway, false},
		{"oversize", tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindOversize, errors.New("x")), http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteResponse(w, nil, tc.err)
			if w.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, w.Code)
			}
			if tc.wantRetry && w.Header().Get("Retry-After") != "1" {
				t.Fatalf("expected Retry-After: 1")
			}
		})
	}
}

type fakeDispatcher struct {
	resp *wire.HttpResponse
	err  error
}

func (f *fakeDispatcher) Forward(ctx context.Context, req *wire.HttpRequest) (*wire.HttpResponse, error) {
	return f.resp, f.err
}

func TestNewRouterHappyPath(t *testing.T) {
	d := &fakeDispatcher{resp: &wire.HttpResponse{Status: 200, Body: []byte("ok")}}
	router := NewRouter(d, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/alexa/smart_home", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 || w.Body.String() != "ok" {
		t.Fatalf("unexpected response: %d %q", w.Code, w.Body.String())
	}
}

func TestNewRouterNoClient(t *testing.T) {
	d := &fakeDispatcher{err: tunnelerr.Wrap("dispatcher.forward", tunnelerr.KindNoClient, errors.New("x"))}
	router := NewRouter(d, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/google/smart_home", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestNewRouterHealthz(t *testing.T) {
	router := NewRouter(&fakeDispatcher{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
