package loki

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

func TestLokiBackend_PersistBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "team-a", r.Header.Get("X-Scope-OrgID"))

		var payload Payload
		err := json.NewDecoder(r.Body).Decode(&payload)
		assert.NoError(t, err)

		assert.Equal(t, 1, len(payload.Streams))
		assert.Equal(t, "node-1", payload.Streams[0].Stream["node"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	backend := NewBackend(server.URL, Config{NodeName: "node-1", TenantID: "team-a"})

	events := []logging.Event{
		{
			Key:       "k1",
			Timestamp: time.Now(),
			Message:   "test message 1",
			Labels:    map[string]string{"pod": "test-pod", "container": "test-container", "file": "test.log"},
		},
	}

	err := backend.PersistBatch(context.Background(), events)
	assert.NoError(t, err)
}

func TestLokiBackend_PersistBatch_SingleAttempt(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("ingester unavailable"))
	}))
	defer server.Close()

	backend := NewBackend(server.URL, Config{})

	events := []logging.Event{
		{
			Key:       "k1",
			Timestamp: time.Now(),
			Message:   "test message",
			Labels:    map[string]string{"pod": "test-pod"},
		},
	}

	err := backend.PersistBatch(context.Background(), events)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "ingester unavailable")

	assert.Equal(t, int32(1), attempts.Load())
}

func TestLokiBackend_PersistBatch_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	backend := NewBackend(server.URL, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := backend.PersistBatch(ctx, []logging.Event{{Key: "k", Timestamp: time.Now()}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLokiBackend_EmptyBatch(t *testing.T) {
	backend := NewBackend("http://127.0.0.1:1", Config{})
	assert.NoError(t, backend.PersistBatch(context.Background(), nil))
}

func TestLokiBackend_CreatePayload(t *testing.T) {
	backend := NewBackend("http://test:3100", Config{NodeName: "node-1"})

	now := time.Now()
	events := []logging.Event{
		{
			Timestamp: now,
			Message:   "message 1",
			Labels:    map[string]string{"pod": "pod-1", "container": "container-1"},
		},
		{
			Timestamp: now.Add(time.Second),
			Message:   "message 2",
			Labels:    map[string]string{"pod": "pod-1", "container": "container-1"},
		},
		{
			Timestamp: now.Add(2 * time.Second),
			Message:   "message 3",
			Labels:    map[string]string{"pod": "pod-2", "container": "container-2"},
		},
	}

	payload := backend.createPayload(events)

	require.Equal(t, 2, len(payload.Streams))

	assert.Equal(t, "pod-1", payload.Streams[0].Stream["pod"])
	assert.Equal(t, 2, len(payload.Streams[0].Values))
	assert.Equal(t, "message 2", payload.Streams[0].Values[1][1])
	assert.Equal(t, strconv.FormatInt(now.UnixNano(), 10), payload.Streams[0].Values[0][0])

	assert.Equal(t, "pod-2", payload.Streams[1].Stream["pod"])
	assert.Equal(t, 1, len(payload.Streams[1].Values))
	assert.Equal(t, "node-logger", payload.Streams[1].Stream["job"])
}

func TestLokiBackend_CreatePayload_MixedLabels(t *testing.T) {
	backend := NewBackend("http://test:3100", Config{NodeName: "node-1"})

	now := time.Now()
	events := []logging.Event{
		{Timestamp: now, Message: "warn", Labels: map[string]string{"level": "WARN", "source": "slog"}},
		{Timestamp: now, Message: "error", Labels: map[string]string{"level": "ERROR", "source": "slog"}},
		{Timestamp: now, Message: "line", Labels: map[string]string{"file": "app.log"}},
		{Timestamp: now, Message: "error again", Labels: map[string]string{"source": "slog", "level": "ERROR"}},
	}

	payload := backend.createPayload(events)
	require.Len(t, payload.Streams, 3)

	assert.Equal(t, "WARN", payload.Streams[0].Stream["level"])
	assert.Len(t, payload.Streams[0].Values, 1)

	assert.Equal(t, "ERROR", payload.Streams[1].Stream["level"])
	assert.Len(t, payload.Streams[1].Values, 2)
	assert.Equal(t, "error again", payload.Streams[1].Values[1][1])

	assert.Equal(t, "app.log", payload.Streams[2].Stream["file"])
	assert.NotContains(t, payload.Streams[2].Stream, "source")
	assert.NotContains(t, payload.Streams[2].Stream, "level")
	assert.Equal(t, "node-1", payload.Streams[2].Stream["node"])
}

func TestGetStreamKey(t *testing.T) {
	a := getStreamKey(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, getStreamKey(map[string]string{"b": "2", "a": "1"}))
	assert.NotEqual(t, a, getStreamKey(map[string]string{"a": "1,b=2"}))
}

func TestConnector_Connect(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := Connector{}
	assert.Equal(t, 3100, c.DefaultPort())

	backend, err := c.Connect(context.Background(), logging.Address{Host: host, Port: port})
	require.NoError(t, err)
	assert.NoError(t, backend.Ping(context.Background()))
	assert.NoError(t, backend.Close(context.Background()))

	ready.Store(false)
	_, err = c.Connect(context.Background(), logging.Address{Host: host, Port: port})
	assert.ErrorIs(t, err, logging.ErrBackendUnavailable)
}
