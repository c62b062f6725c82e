// Package config loads server and client configuration from a YAML file,
// a sibling .env file, environment variables, and CLI flags, in that
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hatunnel/hatunnel-go/internal/cmdutil"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the server binary's recognized configuration keys
// (spec.md §6).
type ServerConfig struct {
	Secret            string `yaml:"secret"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ClientTimeout     int    `yaml:"client_timeout"`
	RequestTimeout    int    `yaml:"request_timeout"`
	LogLevel          string `yaml:"log_level"`
	PeerPolicy        string `yaml:"peer_policy"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	MetricsListen     string `yaml:"metrics_listen"`
}

// DefaultServerConfig returns the spec's documented server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              3000,
		ClientTimeout:     10,
		RequestTimeout:    30,
		LogLevel:          "info",
		PeerPolicy:        "reject_new",
		HeartbeatInterval: 30,
	}
}

// ClientConfig holds the client binary's recognized configuration keys
// (spec.md §6).
type ClientConfig struct {
	Server            string `yaml:"server"`
	Secret            string `yaml:"secret"`
	ClientID          string `yaml:"client_id"`
	HAServer          string `yaml:"ha_server"`
	HATimeout         int    `yaml:"ha_timeout"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	AssistantAlexa    bool   `yaml:"assistant_alexa"`
	AssistantGoogle   bool   `yaml:"assistant_google"`
}

// DefaultClientConfig returns the spec's documented client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HATimeout:         10,
		ReconnectInterval: 5,
		HeartbeatInterval: 30,
	}
}

// LoadServer builds a ServerConfig following the precedence chain:
// built-in default -> YAML file (if path is non-empty) -> .env file in the
// working directory (if present) -> HA_TUNNEL_* environment variables.
// CLI flags are applied by the caller afterward, as the final and highest
// precedence layer.
func LoadServer(yamlPath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if yamlPath != "" {
		if err := unmarshalYAMLFile(yamlPath, &cfg); err != nil {
			return cfg, err
		}
	}
	loadDotEnv()

	cfg.Secret = cmdutil.EnvString("HA_TUNNEL_SECRET", cfg.Secret)
	cfg.Host = cmdutil.EnvString("HA_TUNNEL_HOST", cfg.Host)
	cfg.LogLevel = cmdutil.EnvString("HA_TUNNEL_LOG_LEVEL", cfg.LogLevel)
	cfg.PeerPolicy = cmdutil.EnvString("HA_TUNNEL_PEER_POLICY", cfg.PeerPolicy)
	cfg.MetricsListen = cmdutil.EnvString("HA_TUNNEL_METRICS_LISTEN", cfg.MetricsListen)

	var err error
	if cfg.Port, err = cmdutil.EnvInt("HA_TUNNEL_PORT", cfg.Port); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_PORT: %w", err)
	}
	if cfg.ClientTimeout, err = cmdutil.EnvInt("HA_TUNNEL_CLIENT_TIMEOUT", cfg.ClientTimeout); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.RequestTimeout, err = cmdutil.EnvInt("HA_TUNNEL_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_REQUEST_TIMEOUT: %w", err)
	}
	if cfg.HeartbeatInterval, err = cmdutil.EnvInt("HA_TUNNEL_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_HEARTBEAT_INTERVAL: %w", err)
	}
	cfg.HeartbeatInterval = clamp(cfg.HeartbeatInterval, 5, 120)

	if cfg.Secret == "" {
		return cfg, fmt.Errorf("config: secret is required")
	}
	if cfg.PeerPolicy != "reject_new" && cfg.PeerPolicy != "supersede" {
		return cfg, fmt.Errorf("config: peer_policy must be reject_new or supersede, got %q", cfg.PeerPolicy)
	}
	return cfg, nil
}

// LoadClient builds a ClientConfig following the same precedence chain as
// LoadServer.
func LoadClient(yamlPath string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if yamlPath != "" {
		if err := unmarshalYAMLFile(yamlPath, &cfg); err != nil {
			return cfg, err
		}
	}
	loadDotEnv()

	cfg.Server = cmdutil.EnvString("HA_TUNNEL_SERVER", cfg.Server)
	cfg.Secret = cmdutil.EnvString("HA_TUNNEL_SECRET", cfg.Secret)
	cfg.ClientID = cmdutil.EnvString("HA_TUNNEL_CLIENT_ID", cfg.ClientID)
	cfg.HAServer = cmdutil.EnvString("HA_TUNNEL_HA_SERVER", cfg.HAServer)

	var err error
	if cfg.HATimeout, err = cmdutil.EnvInt("HA_TUNNEL_HA_TIMEOUT", cfg.HATimeout); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_HA_TIMEOUT: %w", err)
	}
	if cfg.ReconnectInterval, err = cmdutil.EnvInt("HA_TUNNEL_RECONNECT_INTERVAL", cfg.ReconnectInterval); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_RECONNECT_INTERVAL: %w", err)
	}
	if cfg.HeartbeatInterval, err = cmdutil.EnvInt("HA_TUNNEL_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_HEARTBEAT_INTERVAL: %w", err)
	}
	if cfg.AssistantAlexa, err = cmdutil.EnvBool("HA_TUNNEL_ASSISTANT_ALEXA", cfg.AssistantAlexa); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_ASSISTANT_ALEXA: %w", err)
	}
	if cfg.AssistantGoogle, err = cmdutil.EnvBool("HA_TUNNEL_ASSISTANT_GOOGLE", cfg.AssistantGoogle); err != nil {
		return cfg, fmt.Errorf("config: HA_TUNNEL_ASSISTANT_GOOGLE: %w", err)
	}

	cfg.ReconnectInterval = clamp(cfg.ReconnectInterval, 1, 300)
	cfg.HeartbeatInterval = clamp(cfg.HeartbeatInterval, 5, 120)

	if cfg.Server == "" || cfg.Secret == "" || cfg.HAServer == "" {
		return cfg, fmt.Errorf("config: server, secret, and ha_server are required")
	}
	if cfg.ClientID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "hatunnel-client"
		}
		cfg.ClientID = hostname
	}
	return cfg, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func unmarshalYAMLFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// loadDotEnv loads a .env file from the working directory, if present. A
// missing file is not an error; godotenv.Load returning an error in that
// case is expected and silently ignored, matching the optional-local-dev
// role of the file.
func loadDotEnv() {
	_ = godotenv.Load()
}

// Durations converts the documented second-count fields to time.Duration
// for callers that want to pass them straight into server.Config /
// tunnelclient.Config.
func (c ServerConfig) Durations() (clientTimeout, requestTimeout, heartbeatInterval time.Duration) {
	return time.Duration(c.ClientTimeout) * time.Second,
		time.Duration(c.RequestTimeout) * time.Second,
		time.Duration(c.HeartbeatInterval) * time.Second
}

// Durations converts the documented second-count fields to time.Duration.
func (c ClientConfig) Durations() (haTimeout, reconnectInterval, heartbeatInterval time.Duration) {
	return time.Duration(c.HATimeout) * time.Second,
		time.Duration(c.ReconnectInterval) * time.Second,
		time.Duration(c.HeartbeatInterval) * time.Second
}
