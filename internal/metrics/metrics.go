// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "noradhub"

// Broadcast triggers.
const (
	TriggerPeriodic = "periodic"
	TriggerUpdate   = "update"
	TriggerManual   = "manual"
)

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// HubMetrics holds the device-side metrics of the hub.
type HubMetrics struct {
	ConnectedTelescopes prometheus.Gauge
	AuthFailures        prometheus.Counter
	Broadcasts          *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	PrunedConnections   prometheus.Counter
	Reloads             *prometheus.CounterVec
	PersistFailures     prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		ConnectedTelescopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Number of authenticated telescope connections.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected connection handshakes.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "runs_total",
			Help:      "Total number of broadcast runs by trigger.",
		}, []string{"trigger"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Total number of LoadNoradIDs messages delivered.",
		}),
		PrunedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "pruned_connections_total",
			Help:      "Total number of connections removed after a failed send.",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "reloads_total",
			Help:      "Total number of mirror file reloads by result.",
		}, []string{"result"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Total number of failed mirror file writes.",
		}),
	}

	reg.MustRegister(
		m.ConnectedTelescopes,
		m.AuthFailures,
		m.Broadcasts,
		m.MessagesSent,
		m.PrunedConnections,
		m.Reloads,
		m.PersistFailures,
	)
	return m
}
