package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

const (
	DefaultPort = 3100
	pushPath    = "/loki/api/v1/push"
	readyPath   = "/ready"
)

var ErrUnexpectedStatus = errors.New("loki returned unexpected status")

type Config struct {
	Job         string        `env:"LOKI_JOB" envDefault:"node-logger"`
	NodeName    string        `env:"NODE_NAME" envDefault:"unknown"`
	HTTPTimeout time.Duration `env:"LOKI_HTTP_TIMEOUT" envDefault:"5s"`
	TenantID    string        `env:"LOKI_TENANT_ID"`
}

type Backend struct {
	baseURL    string
	httpClient *http.Client
	config     Config
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

func NewBackend(baseURL string, config Config) *Backend {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 5 * time.Second
	}
	if config.Job == "" {
		config.Job = "node-logger"
	}
	return &Backend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		config: config,
	}
}

// PersistBatch pushes the whole batch in one request. There is no retry: a
// rejected push is reported to the caller and the batch is gone.
func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(b.createPayload(events))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", b.config.TenantID)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(responseBody))
	}

	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+readyPath, nil)
	if err != nil {
		return err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// createPayload groups events into one stream per distinct label set.
func (b *Backend) createPayload(events []logging.Event) Payload {
	streams := make(map[string]*Stream)
	order := make([]string, 0)

	for _, event := range events {
		labels := b.createLabels(event)
		streamKey := getStreamKey(labels)
		stream, exists := streams[streamKey]
		if !exists {
			stream = &Stream{
				Stream: labels,
				Values: [][2]string{},
			}
			streams[streamKey] = stream
			order = append(order, streamKey)
		}

		timestamp := strconv.FormatInt(event.Timestamp.UnixNano(), 10)
		stream.Values = append(stream.Values, [2]string{timestamp, event.Message})
	}

	payload := Payload{
		Streams: make([]Stream, 0, len(streams)),
	}
	for _, key := range order {
		payload.Streams = append(payload.Streams, *streams[key])
	}

	return payload
}

// getStreamKey renders labels as sorted k=v pairs.
func getStreamKey(labels map[string]string) string {
	keys := slices.Sorted(maps.Keys(labels))

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(k))
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(labels[k]))
	}
	return sb.String()
}

func (b *Backend) createLabels(event logging.Event) map[string]string {
	labels := map[string]string{
		"job":  b.config.Job,
		"node": b.config.NodeName,
	}

	for k, v := range event.Labels {
		labels[k] = v
	}

	return labels
}

// Connector reaches Loki over plain HTTP at host:port.
type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	backend := NewBackend("http://"+addr.HostPort(), c.Config)
	if err := backend.Ping(ctx); err != nil {
		return nil, errors.Join(logging.ErrBackendUnavailable, err)
	}
	return backend, nil
}
