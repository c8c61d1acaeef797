package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/transport"
	"github.com/TheMichaelB/walletguard/test/testutil"
)

const testDevice = "device-a"

func remoteConfig(maxRetries int) *config.RemoteConfig {
	return &config.RemoteConfig{
		Kind:       "http",
		Token:      "test-token",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
	}
}

func newClient(url string, maxRetries int) *transport.HTTPClient {
	client := transport.NewHTTPClient(url, remoteConfig(maxRetries), testDevice, testutil.NewTestLogger())
	client.SetRetryDelay(time.Millisecond)
	return client
}

func TestHTTPClientPutAndList(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := testutil.SamplePayload("p-1", models.DataTypeAuditLogs, now, testDevice)

	var stored []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, testDevice, r.Header.Get(transport.DeviceIDHeader))

		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/v1/payloads/p-1":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			stored, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/payloads":
			assert.Equal(t, "auditLogs", r.URL.Query().Get("dataType"))
			since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
			require.NoError(t, err)
			assert.True(t, since.Equal(now.Add(-time.Hour)))
			_, _ = w.Write([]byte(`{"payloads":[` + string(stored) + `]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newClient(server.URL, 0)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.PutPayload(ctx, payload))

	list, err := client.ListPayloads(ctx, models.DataTypeAuditLogs, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, payload.ID, list[0].ID)
	assert.Equal(t, payload.Checksum, list[0].Checksum)
	assert.True(t, payload.Timestamp.Equal(list[0].Timestamp))
}

func TestHTTPClientRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"payloads":[]}`))
	}))
	defer server.Close()

	client := newClient(server.URL, 3)

	list, err := client.ListPayloads(context.Background(), models.DataTypeDeviceRegistry, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientRateLimited(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := newClient(server.URL, 1)

	err := client.PutPayload(context.Background(),
		testutil.SamplePayload("p-1", models.DataTypeAuditLogs, time.Now(), testDevice))

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestHTTPClientAPIError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("X-Request-ID", "req-9")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_payload","message":"iv must be 12 bytes"}`))
	}))
	defer server.Close()

	client := newClient(server.URL, 3)

	err := client.PutPayload(context.Background(),
		testutil.SamplePayload("p-1", models.DataTypeAuditLogs, time.Now(), testDevice))

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_payload", apiErr.Code)
	assert.Equal(t, "req-9", apiErr.RequestID)
	assert.NotErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "client errors are not retried")
}

func TestHTTPClientPlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newClient(server.URL, 0).ListPayloads(context.Background(), models.DataTypeAuditLogs, time.Time{})

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden", apiErr.Code)
	assert.Equal(t, "nope", apiErr.Message)
}

func TestHTTPClientDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "securitySettings", r.URL.Query().Get("dataType"))
		if r.URL.Path == "/api/v1/payloads/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newClient(server.URL, 0)
	ctx := context.Background()

	assert.NoError(t, client.DeletePayload(ctx, models.DataTypeSecuritySettings, "p-1"))
	assert.NoError(t, client.DeletePayload(ctx, models.DataTypeSecuritySettings, "gone"), "absent payload is not an error")
}

func TestHTTPClientNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newClient(url, 0).ListPayloads(context.Background(), models.DataTypeAuditLogs, time.Time{})

	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
}

func TestHTTPClientContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newClient(server.URL, 3).ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClientSubscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/subscribe", r.URL.Path)
		assert.Equal(t, "auditLogs,backupMetadata", r.URL.Query().Get("dataTypes"))
		assert.Equal(t, testDevice, r.Header.Get(transport.DeviceIDHeader))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		now := time.Now()
		require.NoError(t, conn.WriteJSON(testutil.SamplePayload("p-1", models.DataTypeAuditLogs, now, "device-b")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteJSON(testutil.SamplePayload("p-2", models.DataTypeBackupMetadata, now, "device-b")))

		// Hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	client := newClient(server.URL, 0)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := client.Subscribe(ctx, []models.DataType{models.DataTypeAuditLogs, models.DataTypeBackupMetadata})
	require.NoError(t, err)

	var ids []string
	timeout := time.After(2 * time.Second)
	for len(ids) < 2 {
		select {
		case p, ok := <-feed:
			require.True(t, ok, "feed closed early")
			ids = append(ids, p.ID)
		case <-timeout:
			t.Fatal("timeout waiting for payloads")
		}
	}
	assert.Equal(t, []string{"p-1", "p-2"}, ids)

	cancel()
	testutil.WaitForCondition(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, "feed should close after cancel")
}

func TestNewRemote(t *testing.T) {
	ctx := context.Background()
	logger := testutil.NewTestLogger()

	remote, err := transport.New(ctx, remoteConfig(0), "https://relay.example.com", testDevice, logger)
	require.NoError(t, err)
	assert.IsType(t, &transport.HTTPClient{}, remote)

	_, err = transport.New(ctx, remoteConfig(0), "", testDevice, logger)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = transport.New(ctx, &config.RemoteConfig{Kind: "ftp"}, "", testDevice, logger)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = transport.New(ctx, &config.RemoteConfig{Kind: "s3"}, "", testDevice, logger)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failGet bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, errors.New("access denied")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Remote(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	remote := transport.NewS3RemoteWithClient(fake, "bucket", "/wallet/", testutil.NewTestLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := testutil.SamplePayload("p-old", models.DataTypeAuditLogs, base, testDevice)
	newer := testutil.SamplePayload("p-new", models.DataTypeAuditLogs, base.Add(time.Hour), testDevice)
	other := testutil.SamplePayload("p-other", models.DataTypeDeviceRegistry, base, testDevice)

	for _, p := range []*models.SyncPayload{older, newer, other} {
		require.NoError(t, remote.PutPayload(ctx, p))
	}

	t.Run("object layout", func(t *testing.T) {
		assert.Contains(t, fake.objects, "wallet/auditLogs/p-old.json")
		assert.Contains(t, fake.objects, "wallet/deviceRegistry/p-other.json")
	})

	t.Run("list by data type", func(t *testing.T) {
		list, err := remote.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("list since", func(t *testing.T) {
		list, err := remote.ListPayloads(ctx, models.DataTypeAuditLogs, base)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "p-new", list[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, remote.DeletePayload(ctx, models.DataTypeAuditLogs, "p-old"))
		require.NoError(t, remote.DeletePayload(ctx, models.DataTypeAuditLogs, "p-old"))
		list, err := remote.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("rejects path ids", func(t *testing.T) {
		bad := testutil.SamplePayload("../escape", models.DataTypeAuditLogs, base, testDevice)
		assert.Error(t, remote.PutPayload(ctx, bad))
	})

	t.Run("get failure", func(t *testing.T) {
		fake.failGet = true
		defer func() { fake.failGet = false }()
		_, err := remote.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
		assert.Error(t, err)
	})

	t.Run("subscribe unsupported", func(t *testing.T) {
		_, err := remote.Subscribe(ctx, nil)
		assert.ErrorIs(t, err, transport.ErrSubscribeUnsupported)
	})
}

func TestMockRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := transport.NewMockRemote()
	feed, err := mock.Subscribe(ctx, []models.DataType{models.DataTypeAuditLogs})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, mock.PutPayload(ctx, testutil.SamplePayload("p-1", models.DataTypeAuditLogs, now, testDevice)))
	require.NoError(t, mock.PutPayload(ctx, testutil.SamplePayload("p-2", models.DataTypeDeviceRegistry, now, testDevice)))

	select {
	case p := <-feed:
		assert.Equal(t, "p-1", p.ID)
	case <-time.After(time.Second):
		t.Fatal("expected payload on feed")
	}
	select {
	case p := <-feed:
		t.Fatalf("unexpected payload %s for unsubscribed data type", p.ID)
	default:
	}

	list, err := mock.ListPayloads(ctx, models.DataTypeAuditLogs, time.Time{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, []string{"p-1", "p-2"}, mock.Puts())

	mock.SetPutError(models.ErrNetworkUnavailable)
	assert.ErrorIs(t, mock.PutPayload(ctx, testutil.SamplePayload("p-3", models.DataTypeAuditLogs, now, testDevice)), models.ErrNetworkUnavailable)
	assert.Equal(t, 2, mock.Len())

	cancel()
	testutil.WaitForCondition(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, time.Second, "feed should close after cancel")
}
