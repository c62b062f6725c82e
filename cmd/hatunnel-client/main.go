// Command hatunnel-client dials the public tunnel endpoint from inside the
// home network, authenticates, and forwards inbound smart-home requests to
// the local Home Assistant instance, reconnecting for as long as the
// process runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hatunnel/hatunnel-go/config"
	"github.com/hatunnel/hatunnel-go/forwarder"
	"github.com/hatunnel/hatunnel-go/internal/version"
	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/hatunnel/hatunnel-go/tunnelclient"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	var yamlPath string
	var serverURL string
	var haServer string
	var showVersion bool
	flag.StringVar(&yamlPath, "config", "", "YAML config file")
	flag.StringVar(&serverURL, "server", "", "tunnel server URL, overrides config")
	flag.StringVar(&haServer, "ha-server", "", "Home Assistant base URL, overrides config")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String(buildVersion, buildCommit, buildDate))
		return
	}

	cfg, err := config.LoadClient(yamlPath)
	if err != nil {
		log.Fatalf("hatunnel-client: %v", err)
	}
	if serverURL != "" {
		cfg.Server = serverURL
	}
	if haServer != "" {
		cfg.HAServer = haServer
	}

	haTimeout, reconnectInterval, heartbeatInterval := cfg.Durations()

	fwd := forwarder.New(forwarder.Config{
		BaseURL: cfg.HAServer,
		Timeout: haTimeout,
	})

	logger := log.Default()
	obs := observability.NoopTunnelObserver

	newConn := func() tunnelclient.ConnRunner {
		return tunnelclient.New(tunnelclient.Config{
			ServerURL:         cfg.Server,
			ClientID:          cfg.ClientID,
			Secret:            []byte(cfg.Secret),
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: heartbeatInterval,
			RequestTimeout:    haTimeout + 5*time.Second,
		}, fwd, logger, obs)
	}

	supervisor := tunnelclient.NewSupervisor(newConn, reconnectInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("hatunnel-client: %v", err)
	}

	log.Println("hatunnel-client stopped cleanly")
}
