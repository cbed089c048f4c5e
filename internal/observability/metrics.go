// Package observability — metrics.go
//
// Prometheus metrics for the Templar gateway.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only unless explicitly configured otherwise.
//
// Metric naming convention: templar_gateway_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - delegation status is a label (5 values max: completed, refused,
//     failed, timeout, cancelled).
//   - nodeId is NOT used as a label on unbounded-cardinality metrics;
//     BreakerOpenedTotal is the one exception (bounded by fleet size,
//     which operators are expected to keep in the low thousands at most).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/templar-ai/gateway/internal/delegation"
)

// Metrics holds all Prometheus metric descriptors for the gateway, and
// implements delegation.Metrics directly so it can be passed straight
// into delegation.New.
//
// NodesRegistered, NodesAlive, HealthSweepDuration, NodesDeclaredDead and
// StoreWriteLatency are registered and exported, but no component of the
// gateway sets or observes them, so they always report zero.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Registry ─────────────────────────────────────────────────────────

	NodesRegistered prometheus.Gauge
	NodesAlive      prometheus.Gauge

	// ─── Health ───────────────────────────────────────────────────────────

	HealthSweepDuration prometheus.Histogram
	NodesDeclaredDead   prometheus.Counter

	// ─── Delegation ───────────────────────────────────────────────────────

	DelegationsActive        prometheus.Gauge
	DelegationsStartedTotal  prometheus.Counter
	DelegationsTerminalTotal *prometheus.CounterVec // label: status
	DelegationUnknownFrameTotal prometheus.Counter
	BreakerOpenedTotal       *prometheus.CounterVec // label: node_id

	// ─── Store ────────────────────────────────────────────────────────────

	StoreWriteLatency prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────

	GatewayUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all gateway Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		NodesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "templar_gateway",
			Subsystem: "registry",
			Name:      "nodes_registered",
			Help:      "Current number of registered nodes.",
		}),

		NodesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "templar_gateway",
			Subsystem: "registry",
			Name:      "nodes_alive",
			Help:      "Current number of registered nodes flagged alive.",
		}),

		HealthSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "templar_gateway",
			Subsystem: "health",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one Health Monitor sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),

		NodesDeclaredDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "templar_gateway",
			Subsystem: "health",
			Name:      "nodes_declared_dead_total",
			Help:      "Total nodes declared dead by the Health Monitor.",
		}),

		DelegationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "templar_gateway",
			Subsystem: "delegation",
			Name:      "active",
			Help:      "Current number of in-flight delegations.",
		}),

		DelegationsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "templar_gateway",
			Subsystem: "delegation",
			Name:      "started_total",
			Help:      "Total delegations admitted and started.",
		}),

		DelegationsTerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templar_gateway",
			Subsystem: "delegation",
			Name:      "terminal_total",
			Help:      "Total delegations reaching a terminal status, by status.",
		}, []string{"status"}),

		DelegationUnknownFrameTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "templar_gateway",
			Subsystem: "delegation",
			Name:      "unknown_frame_total",
			Help:      "Total delegation.result/accept frames referencing an unknown delegationId.",
		}),

		BreakerOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "templar_gateway",
			Subsystem: "delegation",
			Name:      "breaker_opened_total",
			Help:      "Total times a per-node circuit breaker transitioned to open, by node_id.",
		}, []string{"node_id"}),

		StoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "templar_gateway",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "Durable store write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		GatewayUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "templar_gateway",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the gateway started.",
		}),
	}

	reg.MustRegister(
		m.NodesRegistered,
		m.NodesAlive,
		m.HealthSweepDuration,
		m.NodesDeclaredDead,
		m.DelegationsActive,
		m.DelegationsStartedTotal,
		m.DelegationsTerminalTotal,
		m.DelegationUnknownFrameTotal,
		m.BreakerOpenedTotal,
		m.StoreWriteLatency,
		m.GatewayUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// DelegationStarted implements delegation.Metrics.
func (m *Metrics) DelegationStarted() {
	m.DelegationsStartedTotal.Inc()
	m.DelegationsActive.Inc()
}

// DelegationTerminal implements delegation.Metrics.
func (m *Metrics) DelegationTerminal(status delegation.Status) {
	m.DelegationsTerminalTotal.WithLabelValues(string(status)).Inc()
	m.DelegationsActive.Dec()
}

// DelegationUnknownFrame implements delegation.Metrics.
func (m *Metrics) DelegationUnknownFrame() {
	m.DelegationUnknownFrameTotal.Inc()
}

// BreakerOpened implements delegation.Metrics.
func (m *Metrics) BreakerOpened(nodeID string) {
	m.BreakerOpenedTotal.WithLabelValues(nodeID).Inc()
}

var _ delegation.Metrics = (*Metrics)(nil)

// ServeMetrics starts the Prometheus HTTP metrics server on addr, serving
// GET /metrics and GET /healthz. Blocks until ctx is cancelled or the
// server fails to start.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.GatewayUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
