package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadServerDefaults(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SECRET", "HA_TUNNEL_HOST", "HA_TUNNEL_PORT",
		"HA_TUNNEL_CLIENT_TIMEOUT", "HA_TUNNEL_REQUEST_TIMEOUT",
		"HA_TUNNEL_HEARTBEAT_INTERVAL", "HA_TUNNEL_LOG_LEVEL",
		"HA_TUNNEL_PEER_POLICY", "HA_TUNNEL_METRICS_LISTEN")
	os.Setenv("HA_TUNNEL_SECRET", "shared-secret")

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Port != 3000 || cfg.Host != "0.0.0.0" || cfg.PeerPolicy != "reject_new" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerMissingSecretErrors(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SECRET")
	if _, err := LoadServer(""); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestLoadServerYAMLThenEnvPrecedence(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SECRET", "HA_TUNNEL_PORT")
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("secret: from-yaml\nport: 4000\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Secret != "from-yaml" || cfg.Port != 4000 {
		t.Fatalf("expected yaml values, got %+v", cfg)
	}

	os.Setenv("HA_TUNNEL_PORT", "5000")
	cfg, err = LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Port != 5000 {
		t.Fatalf("expected env var to override yaml, got port %d", cfg.Port)
	}
}

func TestLoadServerRejectsUnknownPeerPolicy(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SECRET", "HA_TUNNEL_PEER_POLICY")
	os.Setenv("HA_TUNNEL_SECRET", "s")
	os.Setenv("HA_TUNNEL_PEER_POLICY", "steal_it")
	if _, err := LoadServer(""); err == nil {
		t.Fatal("expected error for invalid peer_policy")
	}
}

func TestLoadServerClampsHeartbeatInterval(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SECRET", "HA_TUNNEL_HEARTBEAT_INTERVAL")
	os.Setenv("HA_TUNNEL_SECRET", "s")
	os.Setenv("HA_TUNNEL_HEARTBEAT_INTERVAL", "9999")

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.HeartbeatInterval != 120 {
		t.Fatalf("expected heartbeat_interval clamped to 120, got %d", cfg.HeartbeatInterval)
	}
}

func TestLoadClientDefaultsAndRequiredFields(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SERVER", "HA_TUNNEL_SECRET", "HA_TUNNEL_HA_SERVER",
		"HA_TUNNEL_CLIENT_ID", "HA_TUNNEL_RECONNECT_INTERVAL")

	if _, err := LoadClient(""); err == nil {
		t.Fatal("expected error when server/secret/ha_server are unset")
	}

	os.Setenv("HA_TUNNEL_SERVER", "wss://tunnel.example.com")
	os.Setenv("HA_TUNNEL_SECRET", "shared-secret")
	os.Setenv("HA_TUNNEL_HA_SERVER", "http://localhost:8123")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.ClientID == "" {
		t.Fatal("expected hostname fallback for client_id")
	}
	if cfg.ReconnectInterval != 5 {
		t.Fatalf("expected default reconnect_interval 5, got %d", cfg.ReconnectInterval)
	}
}

func TestLoadClientClampsReconnectInterval(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SERVER", "HA_TUNNEL_SECRET", "HA_TUNNEL_HA_SERVER",
		"HA_TUNNEL_RECONNECT_INTERVAL")
	os.Setenv("HA_TUNNEL_SERVER", "wss://tunnel.example.com")
	os.Setenv("HA_TUNNEL_SECRET", "shared-secret")
	os.Setenv("HA_TUNNEL_HA_SERVER", "http://localhost:8123")
	os.Setenv("HA_TUNNEL_RECONNECT_INTERVAL", "0")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.ReconnectInterval != 1 {
		t.Fatalf("expected reconnect_interval clamped to 1, got %d", cfg.ReconnectInterval)
	}
}

func TestLoadClientBadBoolEnvErrors(t *testing.T) {
	clearEnv(t, "HA_TUNNEL_SERVER", "HA_TUNNEL_SECRET", "HA_TUNNEL_HA_SERVER",
		"HA_TUNNEL_ASSISTANT_ALEXA")
	os.Setenv("HA_TUNNEL_SERVER", "wss://tunnel.example.com")
	os.Setenv("HA_TUNNEL_SECRET", "shared-secret")
	os.Setenv("HA_TUNNEL_HA_SERVER", "http://localhost:8123")
	os.Setenv("HA_TUNNEL_ASSISTANT_ALEXA", "not-a-bool")

	if _, err := LoadClient(""); err == nil {
		t.Fatal("expected error for malformed bool env var")
	}
}
