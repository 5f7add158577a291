package transport

import (
	"log/slog"
	"time"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

type options struct {
	status         logging.Status
	flushInterval  time.Duration
	maxBatchSize   int
	persistTimeout time.Duration
	drainOnClose   bool
	drainTimeout   time.Duration
	name           string
}

// Option configures a Transport.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		status: logging.NewStatus(slog.Default()),
		name:   "default",
	}
}

// WithStatus sets the diagnostics sink. Nil is ignored.
func WithStatus(s logging.Status) Option {
	return func(o *options) {
		if s != nil {
			o.status = s
		}
	}
}

// WithLogger is shorthand for WithStatus(logging.NewStatus(l)).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.status = logging.NewStatus(l)
		}
	}
}

// WithFlushInterval makes the dispatcher wait up to d after a wake-up so that
// more events can accumulate into the same batch. Zero flushes immediately.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.flushInterval = d
		}
	}
}

// WithMaxBatchSize caps the number of events passed to one PersistBatch call.
// Larger detached batches are split in order. Zero means unlimited.
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBatchSize = n
		}
	}
}

// WithPersistTimeout bounds each PersistBatch call. Zero means no bound other
// than transport shutdown.
func WithPersistTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.persistTimeout = d
		}
	}
}

// WithDrainOnClose flushes events that were accepted before Close, giving the
// final flush at most timeout. By default they are dropped.
func WithDrainOnClose(timeout time.Duration) Option {
	return func(o *options) {
		o.drainOnClose = true
		o.drainTimeout = timeout
	}
}

// WithName labels diagnostics and metrics, useful when several transports
// run in one process.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}
