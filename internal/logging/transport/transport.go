// Package transport ships events to a backend asynchronously. Producers call
// Send, which only appends to an in-memory queue; a single dispatcher
// goroutine per connection detaches the queue and writes it to the backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/batch"
)

const releaseTimeout = 5 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is constructed disconnected, connects once, and is closed for
// good. All methods are safe for concurrent use.
type Transport struct {
	connector logging.Connector
	opts      *options
	status    logging.Status
	metrics   *Metrics
	queue     *batch.Queue

	mu         sync.RWMutex
	state      State
	connecting bool
	backend    logging.Backend
	cancel     context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func New(connector logging.Connector, opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Transport{
		connector: connector,
		opts:      o,
		status:    o.status,
		metrics:   newMetrics(o.name),
		queue:     batch.NewQueue(),
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// Connect acquires a backend handle for addr and starts the dispatcher. The
// transport can be connected only once; a failed attempt leaves it
// disconnected so the caller may try again.
func (t *Transport) Connect(ctx context.Context, addr logging.Address) error {
	t.mu.Lock()
	switch {
	case t.state == StateClosed:
		t.mu.Unlock()
		return logging.ErrClosed
	case t.state == StateConnected, t.connecting:
		t.mu.Unlock()
		return logging.ErrAlreadyConnected
	}
	t.connecting = true
	t.mu.Unlock()

	resolved := addr.WithDefaults(t.connector.DefaultPort())
	t.status.Info("Connecting to backend", "transport", t.opts.name, "addr", resolved.String())

	backend, err := t.connector.Connect(ctx, resolved)
	if err == nil && backend == nil {
		err = errors.New("connector returned no backend")
	}
	if err != nil {
		t.mu.Lock()
		t.connecting = false
		closed := t.state == StateClosed
		t.mu.Unlock()
		if closed {
			t.finish()
		}
		if !errors.Is(err, logging.ErrBackendUnavailable) {
			err = errors.Join(logging.ErrBackendUnavailable, err)
		}
		return fmt.Errorf("connect to %s: %w", resolved, err)
	}

	t.mu.Lock()
	t.connecting = false
	if t.state == StateClosed {
		// closed while dialing: nobody else owns this handle
		t.mu.Unlock()
		t.closeBackend(backend)
		t.finish()
		return logging.ErrClosed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.backend = backend
	t.cancel = cancel
	t.state = StateConnected
	t.mu.Unlock()

	go t.dispatch(runCtx, backend)
	return nil
}

// IsConnected reports whether the transport is connected and the backend
// still answers a ping.
func (t *Transport) IsConnected(ctx context.Context) bool {
	t.mu.RLock()
	state, backend := t.state, t.backend
	t.mu.RUnlock()

	if state != StateConnected || backend == nil {
		return false
	}
	return backend.Ping(ctx) == nil
}

// Send queues event for delivery. It never waits on the backend. Events sent
// while the transport is not connected are dropped silently.
func (t *Transport) Send(event logging.Event) error {
	if event.Key == "" {
		return fmt.Errorf("%w: event key is required", logging.ErrInvalidArgument)
	}

	t.mu.RLock()
	accepted := t.state == StateConnected && t.queue.Add(event)
	t.mu.RUnlock()

	if accepted {
		t.metrics.IncEventsAccepted()
	} else {
		t.metrics.IncEventsDropped()
	}
	return nil
}

// Close stops the transport. It is idempotent and never waits for the
// dispatcher, so it is safe to call from any goroutine including the
// dispatcher itself. Use Shutdown to wait until the backend is released.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	prev := t.state
	t.state = StateClosed
	cancel := t.cancel
	connecting := t.connecting
	t.queue.Close()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// without a dispatcher there is nothing to wait for, unless a Connect
	// in flight still has to hand back its handle
	if prev != StateConnected && !connecting {
		t.finish()
	}
	return nil
}

// Shutdown closes the transport and waits for the dispatcher to exit and the
// backend handle to be released, or for ctx to expire.
func (t *Transport) Shutdown(ctx context.Context) error {
	_ = t.Close()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the transport is closed and fully stopped.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) Metrics() MetricsStamp {
	return t.metrics.GetMetricsStamp()
}

func (t *Transport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Transport) closeBackend(backend logging.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := backend.Close(ctx); err != nil {
		t.status.Error("Failed to release backend", err, "transport", t.opts.name)
	}
}
