// Package metrics holds the prometheus collectors shared by the services.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletguard"

// Metrics groups the collectors.
type Metrics struct {
	AuditEvents    *prometheus.CounterVec
	CryptoFailures *prometheus.CounterVec
	SyncRuns       *prometheus.CounterVec
	SyncConflicts  *prometheus.CounterVec
	RelayRequests  *prometheus.CounterVec
	RelayPayloads  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Security audit events recorded.",
		}, []string{"severity", "category"}),
		CryptoFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_failures_total",
			Help:      "Cryptographic operations that failed closed.",
		}, []string{"op", "reason"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by data type and outcome.",
		}, []string{"data_type", "outcome"}),
		SyncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Sync conflicts by resolution.",
		}, []string{"resolution"}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relay HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RelayPayloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_payloads_stored",
			Help:      "Payloads accepted by the relay since start.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AuditEvents,
			m.CryptoFailures,
			m.SyncRuns,
			m.SyncConflicts,
			m.RelayRequests,
			m.RelayPayloads,
		)
	}
	return m
}

// AuditEvent counts one audit entry.
func (m *Metrics) AuditEvent(severity, category string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(severity, category).Inc()
}

// CryptoFailure counts one failed crypto operation.
func (m *Metrics) CryptoFailure(op, reason string) {
	if m == nil {
		return
	}
	m.CryptoFailures.WithLabelValues(op, reason).Inc()
}

// SyncRun counts one sync run.
func (m *Metrics) SyncRun(dataType, outcome string) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(dataType, outcome).Inc()
}

// SyncConflict counts one conflict.
func (m *Metrics) SyncConflict(resolution string) {
	if m == nil {
		return
	}
	m.SyncConflicts.WithLabelValues(resolution).Inc()
}

// RelayRequest counts one relay request.
func (m *Metrics) RelayRequest(route, code string) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(route, code).Inc()
}

// RelayPayloadStored bumps the stored payload gauge.
func (m *Metrics) RelayPayloadStored() {
	if m == nil {
		return
	}
	m.RelayPayloads.Inc()
}
