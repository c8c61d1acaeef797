package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AuditEvent("critical", "security")
	m.AuditEvent("critical", "security")
	m.CryptoFailure("decrypt", "authentication_failed")
	m.SyncRun("auditLogs", "success")
	m.SyncConflict("pending")
	m.RelayRequest("put", "201")
	m.RelayPayloadStored()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues("critical", "security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CryptoFailures.WithLabelValues("decrypt", "authentication_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("auditLogs", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncConflicts.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayPayloads))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AuditEvent("info", "system")
		m.CryptoFailure("encrypt", "invalid_key")
		m.SyncRun("auditLogs", "failed")
		m.SyncConflict("keepLocal")
		m.RelayRequest("get", "200")
		m.RelayPayloadStored()
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
