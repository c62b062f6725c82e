// Command hatunnel-server runs the public tunnel endpoint: it terminates
// the websocket from the home-network client, authenticates it, and
// forwards inbound smart-home requests to whichever session is currently
// bound.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hatunnel/hatunnel-go/config"
	"github.com/hatunnel/hatunnel-go/ingress"
	"github.com/hatunnel/hatunnel-go/internal/version"
	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/hatunnel/hatunnel-go/observability/prom"
	"github.com/hatunnel/hatunnel-go/tunnel/dispatcher"
	"github.com/hatunnel/hatunnel-go/tunnel/server"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicTunnelObserver
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicTunnelObserver) *metricsController {
	return &metricsController{handler: handler, observer: observer}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(prom.NewTunnelObserver(reg))
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopTunnelObserver)
	c.enabled = false
}

func main() {
	var yamlPath string
	var listen string
	var metricsListen string
	var peerPolicy string
	var showVersion bool
	flag.StringVar(&yamlPath, "config", "", "YAML config file")
	flag.StringVar(&listen, "listen", "", "listen address, overrides host/port from config")
	flag.StringVar(&metricsListen, "metrics-listen", "", "metrics listen address, overrides config")
	flag.StringVar(&peerPolicy, "peer-policy", "", "reject_new or supersede, overrides config")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String(buildVersion, buildCommit, buildDate))
		return
	}

	cfg, err := config.LoadServer(yamlPath)
	if err != nil {
		log.Fatalf("hatunnel-server: %v", err)
	}
	if peerPolicy != "" {
		cfg.PeerPolicy = peerPolicy
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	listenAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if listen != "" {
		listenAddr = listen
	}

	observer := observability.NewAtomicTunnelObserver()
	clientTimeout, requestTimeout, heartbeatInterval := cfg.Durations()

	srv := server.New(server.Config{
		Secret:            []byte(cfg.Secret),
		PeerPolicy:        server.PeerPolicy(cfg.PeerPolicy),
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: heartbeatInterval,
		CloseGrace:        2 * time.Second,
		QueueCapacity:     256,
		Dispatcher: dispatcher.Config{
			ClientTimeout:  clientTimeout,
			RequestTimeout: requestTimeout,
		},
	}, log.Default(), observer)

	router := ingress.NewRouter(srv.Dispatcher(), ingress.Options{AttachClientIP: true})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.HandleFunc("/tunnel", srv.HandleTunnel)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout + 5*time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("hatunnel-server: listen: %v", err)
	}

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("hatunnel-server: serve: %v", err)
		}
	}()

	var metricsLn net.Listener
	metricsHandler := newSwitchHandler()
	metrics := newMetricsController(metricsHandler, observer)
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			log.Fatalf("hatunnel-server: metrics listen: %v", err)
		}
		go func() {
			_ = http.Serve(metricsLn, metricsMux)
		}()
	}

	ready := map[string]string{
		"listen":      ln.Addr().String(),
		"peer_policy": cfg.PeerPolicy,
	}
	_ = json.NewEncoder(os.Stdout).Encode(ready)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch <-sig {
		case syscall.SIGUSR1:
			metrics.Enable()
			log.Printf("hatunnel-server: metrics enabled")
		case syscall.SIGUSR2:
			metrics.Disable()
			log.Printf("hatunnel-server: metrics disabled")
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = httpServer.Shutdown(ctx)
			cancel()
			if metricsLn != nil {
				_ = metricsLn.Close()
			}
			return
		}
	}
}
