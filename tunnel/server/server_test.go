package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hatunnel/hatunnel-go/auth"
	"github.com/hatunnel/hatunnel-go/realtime/ws"
	"github.com/hatunnel/hatunnel-go/wire"
)

const testSecret = "test-shared-secret"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, string) {
	t.Helper()
	if cfg.Secret == nil {
		cfg.Secret = []byte(testSecret)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = time.Second
	}
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = 200 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}

	srv := New(cfg, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", srv.HandleTunnel)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/tunnel"
	return srv, httpSrv, wsURL
}

func dial(t *testing.T, url string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, url, ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendMessage(t *testing.T, conn *ws.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.WriteMessage(ctx, websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvMessage(t *testing.T, conn *ws.Conn) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func handshake(t *testing.T, conn *ws.Conn, clientID, secret string) *wire.AuthResponse {
	t.Helper()
	now := time.Now().Unix()
	sendMessage(t, conn, &wire.Auth{
		ClientID:  clientID,
		Timestamp: now,
		Signature: auth.Sign([]byte(secret), clientID, now),
	})
	resp, ok := recvMessage(t, conn).(*wire.AuthResponse)
	if !ok {
		t.Fatalf("expected AuthResponse")
	}
	return resp
}

func TestHandshakeSuccessBindsSession(t *testing.T) {
	srv, _, url := newTestServer(t, Config{PeerPolicy: PolicyRejectNew})
	conn := dial(t, url)
	defer conn.Close()

	resp := handshake(t, conn, "home-01", testSecret)
	if !resp.OK {
		t.Fatalf("expected OK, got reason %q", resp.Reason)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.HasActiveSession() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected server to report an active session")
}

func TestHandshakeAuthFailureRejected(t *testing.T) {
	_, _, url := newTestServer(t, Config{PeerPolicy: PolicyRejectNew})
	conn := dial(t, url)
	defer conn.Close()

	resp := handshake(t, conn, "home-01", "wrong-secret")
	if resp.OK {
		t.Fatalf("expected failure, got OK")
	}
	if resp.Reason != wire.CloseAuthFailed {
		t.Fatalf("expected auth_failed, got %q", resp.Reason)
	}
}

func TestPeerPolicyRejectNewRefusesSecondClient(t *testing.T) {
	_, _, url := newTestServer(t, Config{PeerPolicy: PolicyRejectNew})

	first := dial(t, url)
	defer first.Close()
	if resp := handshake(t, first, "home-01", testSecret); !resp.OK {
		t.Fatalf("expected first client accepted, got %q", resp.Reason)
	}

	second := dial(t, url)
	defer second.Close()
	resp := handshake(t, second, "home-01", testSecret)
	if resp.OK {
		t.Fatalf("expected second client rejected")
	}
	if resp.Reason != wire.CloseAlreadyConnected {
		t.Fatalf("expected already_connected, got %q", resp.Reason)
	}
}

func TestPeerPolicySupersedeReplacesFirstClient(t *testing.T) {
	_, _, url := newTestServer(t, Config{PeerPolicy: PolicySupersede})

	first := dial(t, url)
	defer first.Close()
	if resp := handshake(t, first, "home-01", testSecret); !resp.OK {
		t.Fatalf("expected first client accepted, got %q", resp.Reason)
	}

	second := dial(t, url)
	defer second.Close()
	resp := handshake(t, second, "home-01", testSecret)
	if !resp.OK {
		t.Fatalf("expected second client accepted under supersede, got %q", resp.Reason)
	}

	msg := recvMessage(t, first)
	closeMsg, ok := msg.(*wire.Close)
	if !ok {
		t.Fatalf("expected Close on superseded client, got %T", msg)
	}
	if closeMsg.Reason != wire.CloseSuperseded {
		t.Fatalf("expected superseded, got %q", closeMsg.Reason)
	}
}

func TestForwardRoundTripThroughServer(t *testing.T) {
	srv, _, url := newTestServer(t, Config{PeerPolicy: PolicyRejectNew})
	conn := dial(t, url)
	defer conn.Close()

	if resp := handshake(t, conn, "home-01", testSecret); !resp.OK {
		t.Fatalf("expected handshake ok, got %q", resp.Reason)
	}

	resultCh := make(chan struct {
		resp *wire.HttpResponse
		err  error
	}, 1)
	go func() {
		resp, err := srv.Dispatcher().Forward(context.Background(), &wire.HttpRequest{
			Method: "GET",
			Path:   "/api/alexa/smart_home",
		})
		resultCh <- struct {
			resp *wire.HttpResponse
			err  error
		}{resp, err}
	}()

	msg := recvMessage(t, conn)
	req, ok := msg.(*wire.HttpRequest)
	if !ok {
		t.Fatalf("expected HttpRequest, got %T", msg)
	}
	sendMessage(t, conn, &wire.HttpResponse{
		CorrelationID: req.CorrelationID,
		Status:        200,
		Body:          []byte("ok"),
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("forward: %v", r.err)
		}
		if r.resp.Status != 200 || string(r.resp.Body) != "ok" {
			t.Fatalf("unexpected response: %+v", r.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward result")
	}
}
