// Package metrics registers the process's Prometheus instrumentation and
// serves it alongside a liveness probe. Ambient observability carried
// regardless of spec.md's feature Non-goals, grounded on
// arzzra-soft_phone/pkg/dialog/metrics.go's promauto usage.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "b2bua"

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Number of bridged calls currently in progress.",
	})

	ActiveMediaSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_media_sessions",
		Help:      "Number of media sessions currently allocated on RTPProxy.",
	})

	RegisteredBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_bindings",
		Help:      "Number of active AoR bindings held by the registrar.",
	})

	RTPProxyCommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rtpproxy_command_duration_seconds",
		Help:      "RTPProxy control command round-trip latency by command verb.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Calls admitted, labeled by final disposition.",
	}, []string{"disposition"})
)

// ObserveRTPProxyCommand records how long an RTPProxy control command took.
func ObserveRTPProxyCommand(command string, d time.Duration) {
	RTPProxyCommandLatency.WithLabelValues(command).Observe(d.Seconds())
}

// HealthChecker reports whether a dependency the /healthz endpoint cares
// about is currently reachable. internal/rtpproxy.Client satisfies this.
type HealthChecker interface {
	Probe(ctx context.Context) error
}

// Server serves /metrics and /healthz on one small HTTP mux, grounded on
// flowpbx-flowpbx/internal/metrics/metrics.go's pattern of a dedicated
// diagnostics listener alongside the SIP transport.
type Server struct {
	http *http.Server
}

// NewServer builds a Server bound to addr. health may be nil, in which
// case /healthz always reports ok.
func NewServer(addr string, health HealthChecker) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health.Probe(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unhealthy: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts the diagnostics HTTP server, blocking until it
// stops or fails.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close shuts the diagnostics server down.
func (s *Server) Close() error {
	return s.http.Close()
}
