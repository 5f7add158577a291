package logging

import (
	"context"
	"time"
)

// Event is one log occurrence. It must not be modified after it has been
// handed to a transport: Labels and Payload are shared with the backend.
type Event struct {
	Key       string
	Timestamp time.Time
	Message   string
	Labels    map[string]string
	Payload   []byte
}

// Backend persists batches of events. PersistBatch is only ever called from a
// single dispatcher goroutine; Ping may run concurrently with it.
type Backend interface {
	// PersistBatch makes exactly one attempt to store events, upserting by Key.
	PersistBatch(ctx context.Context, events []Event) error
	// Ping reports whether the underlying connection is still usable.
	Ping(ctx context.Context) error
	// Close releases the connection handle.
	Close(ctx context.Context) error
}

// Preparer is implemented by backends that need one-time setup (indexes,
// tables) before the first batch is written.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Connector turns an address into a live Backend handle.
type Connector interface {
	DefaultPort() int
	Connect(ctx context.Context, addr Address) (Backend, error)
}

// EventSender is the producer-facing side of a transport.
type EventSender interface {
	Send(event Event) error
}
