package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

// MockBackend records every batch it is asked to persist.
type MockBackend struct {
	SentBatches [][]logging.Event
	mu          sync.Mutex
	// FailBatches makes the first N PersistBatch calls fail.
	FailBatches int
	// Delay is applied before each PersistBatch; it honours ctx.
	Delay      time.Duration
	PanicOnce  bool
	PingErr    error
	PrepareErr error

	PersistCalls int
	PrepareCalls int
	CloseCalls   int
}

func (m *MockBackend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PersistCalls++
	if m.PanicOnce {
		m.PanicOnce = false
		panic("mock backend exploded")
	}
	if m.FailBatches > 0 {
		m.FailBatches--
		return fmt.Errorf("mock persist failed")
	}

	m.SentBatches = append(m.SentBatches, events)
	return nil
}

func (m *MockBackend) Prepare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PrepareCalls++
	return m.PrepareErr
}

func (m *MockBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

func (m *MockBackend) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

func (m *MockBackend) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingErr = err
}

func (m *MockBackend) GetSentBatches() [][]logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]logging.Event, len(m.SentBatches))
	copy(out, m.SentBatches)
	return out
}

// GetSentKeys flattens all received batches into their keys, in order.
func (m *MockBackend) GetSentKeys() []string {
	var keys []string
	for _, b := range m.GetSentBatches() {
		for _, e := range b {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func (m *MockBackend) GetStats() (persistCalls, prepareCalls, closeCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PersistCalls, m.PrepareCalls, m.CloseCalls
}

// MockConnector hands out Backend, or fails with Err.
type MockConnector struct {
	Backend logging.Backend
	Err     error
	Port    int
	Delay   time.Duration

	mu        sync.Mutex
	Addresses []logging.Address
}

func (c *MockConnector) DefaultPort() int {
	if c.Port == 0 {
		return 27017
	}
	return c.Port
}

func (c *MockConnector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	if c.Delay > 0 {
		time.Sleep(c.Delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Addresses = append(c.Addresses, addr)
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Backend, nil
}

func (c *MockConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Addresses)
}

// MockStatus collects diagnostics instead of logging them.
type MockStatus struct {
	mu     sync.Mutex
	Infos  []string
	Errors []error
}

func (s *MockStatus) Info(msg string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Infos = append(s.Infos, msg)
}

func (s *MockStatus) Error(msg string, err error, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("%s", msg)
	}
	s.Errors = append(s.Errors, err)
}

func (s *MockStatus) GetErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.Errors))
	copy(out, s.Errors)
	return out
}

// MockSender stands in for a transport on the producer side.
type MockSender struct {
	Events    []logging.Event
	mu        sync.Mutex
	SendDelay time.Duration
	SendErr   error
	SendCalls int
}

func (m *MockSender) Send(event logging.Event) error {
	if m.SendDelay > 0 {
		time.Sleep(m.SendDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls++
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockSender) GetEvents() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.Event, len(m.Events))
	copy(out, m.Events)
	return out
}

func (m *MockSender) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events), m.SendCalls
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
