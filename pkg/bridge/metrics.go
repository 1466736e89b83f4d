// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RelayedMessages *prometheus.CounterVec
	MembershipOps   *prometheus.CounterVec
	PuppetLogins    prometheus.Counter
	PuppetLogouts   prometheus.Counter
	EchoSuppressed  prometheus.Counter
	ActivePuppets   prometheus.Gauge
	ResyncDuration  prometheus.Histogram
}

// NewMetrics creates and registers all bridge instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RelayedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matrixspring_relayed_messages_total",
			Help: "Messages relayed, by direction.",
		}, []string{"direction"}),
		MembershipOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matrixspring_membership_ops_total",
			Help: "Join/leave operations issued, by direction and op.",
		}, []string{"direction", "op"}),
		PuppetLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixspring_puppet_logins_total",
			Help: "Puppet provisioning operations completed.",
		}),
		PuppetLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixspring_puppet_logouts_total",
			Help: "Puppet deprovisioning operations completed.",
		}),
		EchoSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixspring_echo_suppressed_total",
			Help: "Bridge-generated events dropped by the echo filter.",
		}),
		ActivePuppets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matrixspring_active_puppets",
			Help: "Puppet sessions currently in the Active state.",
		}),
		ResyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrixspring_resync_duration_seconds",
			Help:    "Duration of the startup bulk resync.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.RelayedMessages,
		m.MembershipOps,
		m.PuppetLogins,
		m.PuppetLogouts,
		m.EchoSuppressed,
		m.ActivePuppets,
		m.ResyncDuration,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveResync records one bulk resync run.
func (m *Metrics) ObserveResync(start time.Time) {
	m.ResyncDuration.Observe(time.Since(start).Seconds())
}

const (
	directionLobbyToMatrix = "lobby_to_matrix"
	directionMatrixToLobby = "matrix_to_lobby"
	opJoin                 = "join"
	opLeave                = "leave"
)
