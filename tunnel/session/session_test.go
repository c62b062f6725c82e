package session

import (
	"testing"
	"time"

	"github.com/hatunnel/hatunnel-go/tunnel/state"
)

func TestNewSessionStartsHandshaking(t *testing.T) {
	now := time.Unix(1735689600, 0)
	s := New(Identity{ClientID: "home-01", Epoch: 1, RemoteAddr: "203.0.113.7:54321", ConnectedAt: now}, 256, 30*time.Second, now)

	if s.State.Current() != state.Handshaking {
		t.Fatalf("expected Handshaking, got %s", s.State.Current())
	}
	if s.Identity.ClientID != "home-01" {
		t.Fatalf("expected client id home-01, got %s", s.Identity.ClientID)
	}
	if s.Queue == nil || s.Heartbeat == nil {
		t.Fatalf("expected queue and heartbeat to be constructed")
	}
}
