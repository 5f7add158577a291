// Package opensearch indexes events through the _bulk API, one document per
// event with the event key as document id.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

const DefaultPort = 9200

var (
	ErrConnectionFailed  = errors.New("opensearch connection failed")
	ErrHealthcheckFailed = errors.New("opensearch healthcheck failed")
	ErrBulkRejected      = errors.New("opensearch rejected bulk items")
)

type Config struct {
	Index    string `env:"OPENSEARCH_INDEX" envDefault:"logs"`
	Username string `env:"OPENSEARCH_USERNAME"`
	Password string `env:"OPENSEARCH_PASSWORD"`
	UseTLS   bool   `env:"OPENSEARCH_USE_TLS" envDefault:"false"`
}

type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

type Backend struct {
	client *opensearch.Client
	index  string
}

func NewBackend(client *opensearch.Client, cfg Config) *Backend {
	return &Backend{client: client, index: cfg.Index}
}

// encodeBulk renders events as newline delimited index actions.
func encodeBulk(index string, events []logging.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		var action bulkAction
		action.Index.Index = index
		action.Index.ID = e.Key
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		if err := enc.Encode(document{
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Labels:    e.Labels,
			Payload:   e.Payload,
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	body, err := encodeBulk(b.index, events)
	if err != nil {
		return fmt.Errorf("encode bulk body: %w", err)
	}

	res, err := b.client.Bulk(
		bytes.NewReader(body),
		b.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("bulk request: %s: %s", res.Status(), msg)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	return itemErrors(parsed)
}

func itemErrors(res bulkResponse) error {
	if !res.Errors {
		return nil
	}

	var failed int
	var first string
	for _, item := range res.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			if failed == 0 {
				first = fmt.Sprintf("%s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
			}
			failed++
		}
	}
	return fmt.Errorf("%w: %d of %d failed, first: %s", ErrBulkRejected, failed, len(res.Items), first)
}

func (b *Backend) Ping(ctx context.Context) error {
	res, err := b.client.Info(b.client.Info.WithContext(ctx))
	if err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrHealthcheckFailed, res.Status())
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return nil
}

type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	scheme := "http"
	if c.Config.UseTLS {
		scheme = "https"
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:    []string{scheme + "://" + addr.HostPort()},
		Username:     c.Config.Username,
		Password:     c.Config.Password,
		DisableRetry: true,
	})
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	backend := NewBackend(client, c.Config)
	if err := backend.Ping(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}
