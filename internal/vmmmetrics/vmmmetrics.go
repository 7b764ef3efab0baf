// Package vmmmetrics holds the process-wide counters and gauges named as
// observable in spec.md §4.6, §4.8, and §4.9 (total_heals_attempted,
// total_heals_failed, total_file_changes, total_vivaldi_changes,
// per-installation consecutive-failure counts, active IPC connections).
// They are backed by prometheus primitives rather than hand-rolled
// atomic.Int64 fields: prometheus.Counter/GaugeVec are already safe for
// concurrent use, and a dedicated, unregistered Registry keeps this package
// from requiring an HTTP exposition endpoint (serving /metrics is out of
// scope — nothing here starts a server).
package vmmmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles the counters/gauges one running service instance needs.
// Each Service owns its own Registry rather than reaching for the global
// prometheus default registry, so tests can construct isolated instances.
type Registry struct {
	reg *prometheus.Registry

	HealsAttempted prometheus.Counter
	HealsSucceeded prometheus.Counter
	HealsFailed    prometheus.Counter

	FileChanges     prometheus.Counter
	VivaldiChanges  prometheus.Counter
	ActiveWatchers  prometheus.Gauge
	ActiveIPCConns  prometheus.Gauge

	ConsecutiveFailures *prometheus.GaugeVec
}

// NewRegistry constructs a fresh, self-contained metrics registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		HealsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmm_heals_attempted_total",
			Help: "Total number of heal attempts started.",
		}),
		HealsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmm_heals_succeeded_total",
			Help: "Total number of heals that completed successfully.",
		}),
		HealsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmm_heals_failed_total",
			Help: "Total number of heals that exhausted retries.",
		}),
		FileChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmm_file_changes_total",
			Help: "Total number of debounced change events delivered, from the mods directory and installation trees alike.",
		}),
		VivaldiChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmm_vivaldi_changes_total",
			Help: "Total number of debounced installation-tree change events delivered.",
		}),
		ActiveWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmm_active_watchers",
			Help: "Number of currently active OS watch handles.",
		}),
		ActiveIPCConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmm_active_ipc_connections",
			Help: "Number of currently connected IPC clients.",
		}),
		ConsecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmm_integrity_consecutive_failures",
			Help: "Consecutive integrity check failures per installation id.",
		}, []string{"installation_id"}),
	}

	reg.MustRegister(
		r.HealsAttempted, r.HealsSucceeded, r.HealsFailed,
		r.FileChanges, r.VivaldiChanges, r.ActiveWatchers, r.ActiveIPCConns,
		r.ConsecutiveFailures,
	)

	return r
}

// Snapshot is a point-in-time read of the counters, used to populate IPC
// GetServiceStatus/GetMonitoringStatus responses.
type Snapshot struct {
	HealsAttempted float64
	HealsSucceeded float64
	HealsFailed    float64
	FileChanges    float64
	VivaldiChanges float64
	ActiveWatchers float64
	ActiveIPCConns float64
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// ConsecutiveFailuresFor reads the current consecutive-failure gauge value
// for a single installation id.
func (r *Registry) ConsecutiveFailuresFor(installationID string) float64 {
	g := r.ConsecutiveFailures.WithLabelValues(installationID)
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Snapshot reads the current counter values without mutating them.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		HealsAttempted: readCounter(r.HealsAttempted),
		HealsSucceeded: readCounter(r.HealsSucceeded),
		HealsFailed:    readCounter(r.HealsFailed),
		FileChanges:    readCounter(r.FileChanges),
		VivaldiChanges: readCounter(r.VivaldiChanges),
		ActiveWatchers: readGauge(r.ActiveWatchers),
		ActiveIPCConns: readGauge(r.ActiveIPCConns),
	}
}
