// Package prom exports the tunnel's observability events to Prometheus.
package prom

import (
	"net/http"

	"github.com/hatunnel/hatunnel-go/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// TunnelObserver exports tunnel metrics to Prometheus.
type TunnelObserver struct {
	attachTotal     *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	forwardTotal    *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	heartbeatTotal  *prometheus.CounterVec
	closeTotal      *prometheus.CounterVec
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
}

// NewTunnelObserver registers tunnel metrics on the registry.
func NewTunnelObserver(reg *prometheus.Registry) *TunnelObserver {
	o := &TunnelObserver{
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatunnel_attach_total",
			Help: "Client connection attempts by result and reason.",
		}, []string{"result", "reason"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hatunnel_session_active",
			Help: "1 when a client session is bound, 0 otherwise.",
		}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatunnel_forward_total",
			Help: "Dispatcher.Forward outcomes.",
		}, []string{"result"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hatunnel_pending_requests",
			Help: "Requests currently parked awaiting a response.",
		}),
		heartbeatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatunnel_heartbeat_total",
			Help: "Heartbeat engine events.",
		}, []string{"event"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatunnel_close_total",
			Help: "Tunnel connection close reasons.",
		}, []string{"reason"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatunnel_bytes_in_total",
			Help: "Bytes read from the tunnel socket.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatunnel_bytes_out_total",
			Help: "Bytes written to the tunnel socket.",
		}),
	}
	reg.MustRegister(
		o.attachTotal,
		o.sessionActive,
		o.forwardTotal,
		o.pendingRequests,
		o.heartbeatTotal,
		o.closeTotal,
		o.bytesIn,
		o.bytesOut,
	)
	return o
}

func (o *TunnelObserver) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *TunnelObserver) SessionActive(active bool) {
	if active {
		o.sessionActive.Set(1)
		return
	}
	o.sessionActive.Set(0)
}

func (o *TunnelObserver) Forward(result observability.ForwardResult) {
	o.forwardTotal.WithLabelValues(string(result)).Inc()
}

func (o *TunnelObserver) PendingRequests(n int) {
	o.pendingRequests.Set(float64(n))
}

func (o *TunnelObserver) Heartbeat(event observability.HeartbeatEvent) {
	o.heartbeatTotal.WithLabelValues(string(event)).Inc()
}

func (o *TunnelObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *TunnelObserver) BytesIn(n int) {
	o.bytesIn.Add(float64(n))
}

func (o *TunnelObserver) BytesOut(n int) {
	o.bytesOut.Add(float64(n))
}
