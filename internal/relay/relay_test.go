package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/relay"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	syncsvc "github.com/TheMichaelB/walletguard/internal/services/sync"
	"github.com/TheMichaelB/walletguard/internal/transport"
	"github.com/TheMichaelB/walletguard/test/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func relayConfig() config.RelayConfig {
	cfg := config.DefaultConfig().Relay
	cfg.RateLimit = 1000
	cfg.RateBurst = 1000
	return cfg
}

func startRelay(t *testing.T, cfg config.RelayConfig, opts ...relay.Option) (*relay.Server, *httptest.Server, securestore.ListStore) {
	t.Helper()

	store := securestore.NewMemoryStore()
	srv := relay.NewServer(store, cfg, testutil.NewTestLogger(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return srv, ts, store
}

func newClient(t *testing.T, url, deviceID string) *transport.HTTPClient {
	t.Helper()

	client := transport.NewHTTPClient(url, &config.RemoteConfig{Timeout: 5 * time.Second}, deviceID, testutil.NewTestLogger())
	client.SetRetryDelay(time.Millisecond)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRelayRoundTrip(t *testing.T) {
	_, ts, store := startRelay(t, relayConfig())
	client := newClient(t, ts.URL, "device-a")
	ctx := context.Background()

	older := testutil.SamplePayload("p-1", models.DataTypeAuditLogs, base, "device-a")
	newer := testutil.SamplePayload("p-2", models.DataTypeAuditLogs, base.Add(time.Minute), "device-a")
	other := testutil.SamplePayload("p-3", models.DataTypeSecuritySettings, base, "device-a")
	for _, p := range []*models.SyncPayload{newer, older, other} {
		require.NoError(t, client.PutPayload(ctx, p))
	}

	keys, err := store.Keys(ctx, securestore.PrefixRelayPayload)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	listed, err := client.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "p-1", listed[0].ID)
	assert.Equal(t, "p-2", listed[1].ID)
	assert.Equal(t, older.EncryptedData, listed[0].EncryptedData)

	listed, err = client.ListPayloads(ctx, models.DataTypeAuditLogs, base)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "p-2", listed[0].ID)

	// Overwrite keeps a single copy
	updated := older.Clone()
	updated.Version = 2
	require.NoError(t, client.PutPayload(ctx, updated))
	listed, err = client.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, 2, listed[0].Version)

	require.NoError(t, client.DeletePayload(ctx, models.DataTypeAuditLogs, "p-1"))
	require.NoError(t, client.DeletePayload(ctx, models.DataTypeAuditLogs, "p-1"), "absent payload is not an error")

	listed, err = client.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "p-2", listed[0].ID)
}

func TestRelayRejectsInvalidRequests(t *testing.T) {
	cfg := relayConfig()
	cfg.MaxBodyBytes = 1024
	_, ts, _ := startRelay(t, cfg)

	valid, err := json.Marshal(testutil.SamplePayload("p-1", models.DataTypeAuditLogs, base, "device-a"))
	require.NoError(t, err)

	broken := testutil.SamplePayload("p-1", models.DataTypeAuditLogs, base, "device-a")
	broken.IV = "short"
	invalid, err := json.Marshal(broken)
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		body     []byte
		deviceID string
		status   int
		code     string
	}{
		{"missing device id", http.MethodGet, "/api/v1/payloads?dataType=auditLogs", nil, "", http.StatusBadRequest, "missing_device_id"},
		{"unknown data type", http.MethodGet, "/api/v1/payloads?dataType=contacts", nil, "device-a", http.StatusBadRequest, "invalid_data_type"},
		{"bad since", http.MethodGet, "/api/v1/payloads?dataType=auditLogs&since=yesterday", nil, "device-a", http.StatusBadRequest, "invalid_since"},
		{"id mismatch", http.MethodPut, "/api/v1/payloads/other", valid, "device-a", http.StatusBadRequest, "id_mismatch"},
		{"invalid payload", http.MethodPut, "/api/v1/payloads/p-1", invalid, "device-a", http.StatusBadRequest, "invalid_payload"},
		{"not json", http.MethodPut, "/api/v1/payloads/p-1", []byte("{"), "device-a", http.StatusBadRequest, "invalid_json"},
		{"too large", http.MethodPut, "/api/v1/payloads/p-1", bytes.Repeat([]byte(" "), 2048), "device-a", http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"delete missing", http.MethodDelete, "/api/v1/payloads/nope?dataType=auditLogs", nil, "device-a", http.StatusNotFound, "not_found"},
		{"delete without type", http.MethodDelete, "/api/v1/payloads/p-1", nil, "device-a", http.StatusBadRequest, "invalid_data_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewReader(tt.body))
			require.NoError(t, err)
			if tt.deviceID != "" {
				req.Header.Set(transport.DeviceIDHeader, tt.deviceID)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)

			var apiErr models.APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.NotEmpty(t, apiErr.RequestID)
		})
	}
}

func TestRelayRateLimit(t *testing.T) {
	cfg := relayConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	_, ts, _ := startRelay(t, cfg)
	ctx := context.Background()

	limited := newClient(t, ts.URL, "device-a")
	for i := 0; i < 2; i++ {
		_, err := limited.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
		require.NoError(t, err)
	}

	_, err := limited.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRateLimited)

	// Buckets are per device
	_, err = newClient(t, ts.URL, "device-b").ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	assert.NoError(t, err)
}

func TestRelaySubscribe(t *testing.T) {
	srv, ts, _ := startRelay(t, relayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newClient(t, ts.URL, "device-a")
	reader := newClient(t, ts.URL, "device-b")

	feed, err := reader.Subscribe(ctx, []models.DataType{models.DataTypeSecuritySettings})
	require.NoError(t, err)
	testutil.WaitForCondition(t, func() bool { return srv.Hub().Len() == 1 }, 2*time.Second, "subscriber should register")

	require.NoError(t, writer.PutPayload(ctx, testutil.SamplePayload("filtered", models.DataTypeAuditLogs, base, "device-a")))
	require.NoError(t, reader.PutPayload(ctx, testutil.SamplePayload("own", models.DataTypeSecuritySettings, base, "device-b")))
	require.NoError(t, writer.PutPayload(ctx, testutil.SamplePayload("wanted", models.DataTypeSecuritySettings, base, "device-a")))

	select {
	case p := <-feed:
		assert.Equal(t, "wanted", p.ID)
		assert.Equal(t, "device-a", p.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no payload on the feed")
	}

	cancel()
	testutil.WaitForCondition(t, func() bool { return srv.Hub().Len() == 0 }, 2*time.Second, "subscriber should leave")
}

func TestRelayHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts, _ := startRelay(t, relayConfig(), relay.WithMetrics(metrics.New(reg), reg))

	client := newClient(t, ts.URL, "device-a")
	require.NoError(t, client.PutPayload(context.Background(),
		testutil.SamplePayload("p-1", models.DataTypeAuditLogs, base, "device-a")))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `walletguard_relay_requests_total{code="204",route="/api/v1/payloads/{id}"} 1`)
	assert.Contains(t, text, "walletguard_relay_payloads_stored 1")
	assert.True(t, strings.Contains(text, `route="/healthz"`))
}

func TestSyncServiceAgainstRelay(t *testing.T) {
	_, ts, _ := startRelay(t, relayConfig())
	ctx := context.Background()
	cfg := models.DefaultSyncConfig(ts.URL)

	serviceA, err := syncsvc.NewService(securestore.NewMemoryStore(), newClient(t, ts.URL, "device-a"), cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	serviceB, err := syncsvc.NewService(securestore.NewMemoryStore(), newClient(t, ts.URL, "device-b"), cfg, testutil.NewTestLogger())
	require.NoError(t, err)

	mine := testutil.SamplePayload("settings", models.DataTypeSecuritySettings, base, "device-a")
	result, err := serviceA.Sync(ctx, models.DataTypeSecuritySettings, []*models.SyncPayload{mine})
	require.NoError(t, err)
	assert.Equal(t, []string{"settings"}, result.Pushed)

	// Device B holds an older edit of the same record
	stale := testutil.SamplePayload("settings", models.DataTypeSecuritySettings, base.Add(-time.Hour), "device-b")
	stale.Checksum = syncsvc.Checksum([]byte("stale"))

	result, err = serviceB.Sync(ctx, models.DataTypeSecuritySettings, []*models.SyncPayload{stale})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.ResolutionKeepRemote, result.Conflicts[0].Resolution)
	require.Len(t, result.Accepted, 1)
	assert.Equal(t, mine.Checksum, result.Accepted[0].Checksum)
	assert.Empty(t, result.Pushed)
}
