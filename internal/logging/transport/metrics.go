package transport

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "logtransport.transport"

// Metrics counts what went through a transport. Counters are mirrored to
// OpenTelemetry instruments on the global meter provider.
type Metrics struct {
	EventsAccepted   int
	EventsDropped    int
	EventsPersisted  int
	BatchesPersisted int
	BatchesFailed    int
	mu               sync.RWMutex

	attrs      metric.MeasurementOption
	accepted   metric.Int64Counter
	dropped    metric.Int64Counter
	persisted  metric.Int64Counter
	batchesOK  metric.Int64Counter
	batchesErr metric.Int64Counter
}

// MetricsStamp is a point-in-time copy of Metrics.
type MetricsStamp struct {
	EventsAccepted   int
	EventsDropped    int
	EventsPersisted  int
	BatchesPersisted int
	BatchesFailed    int
}

func newMetrics(name string) *Metrics {
	meter := otel.Meter(meterName)

	// instrument creation only fails on invalid names; a nil counter is skipped
	accepted, _ := meter.Int64Counter("logtransport.events.accepted",
		metric.WithDescription("Events queued for delivery"),
		metric.WithUnit("{event}"))
	dropped, _ := meter.Int64Counter("logtransport.events.dropped",
		metric.WithDescription("Events dropped while disconnected or discarded at close"),
		metric.WithUnit("{event}"))
	persisted, _ := meter.Int64Counter("logtransport.events.persisted",
		metric.WithDescription("Events written to the backend"),
		metric.WithUnit("{event}"))
	batchesOK, _ := meter.Int64Counter("logtransport.batches.persisted",
		metric.WithDescription("Batches written to the backend"),
		metric.WithUnit("{batch}"))
	batchesErr, _ := meter.Int64Counter("logtransport.batches.failed",
		metric.WithDescription("Batches the backend rejected"),
		metric.WithUnit("{batch}"))

	return &Metrics{
		attrs:      metric.WithAttributes(attribute.String("transport", name)),
		accepted:   accepted,
		dropped:    dropped,
		persisted:  persisted,
		batchesOK:  batchesOK,
		batchesErr: batchesErr,
	}
}

func (m *Metrics) IncEventsAccepted() {
	m.mu.Lock()
	m.EventsAccepted++
	m.mu.Unlock()
	m.add(m.accepted, 1)
}

func (m *Metrics) IncEventsDropped() {
	m.AddEventsDropped(1)
}

func (m *Metrics) AddEventsDropped(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.EventsDropped += n
	m.mu.Unlock()
	m.add(m.dropped, int64(n))
}

func (m *Metrics) AddBatchPersisted(events int) {
	m.mu.Lock()
	m.BatchesPersisted++
	m.EventsPersisted += events
	m.mu.Unlock()
	m.add(m.batchesOK, 1)
	m.add(m.persisted, int64(events))
}

func (m *Metrics) IncBatchesFailed() {
	m.mu.Lock()
	m.BatchesFailed++
	m.mu.Unlock()
	m.add(m.batchesErr, 1)
}

func (m *Metrics) GetMetricsStamp() MetricsStamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsStamp{
		EventsAccepted:   m.EventsAccepted,
		EventsDropped:    m.EventsDropped,
		EventsPersisted:  m.EventsPersisted,
		BatchesPersisted: m.BatchesPersisted,
		BatchesFailed:    m.BatchesFailed,
	}
}

func (m *Metrics) add(c metric.Int64Counter, n int64) {
	if c == nil {
		return
	}
	if m.attrs != nil {
		c.Add(context.Background(), n, m.attrs)
		return
	}
	c.Add(context.Background(), n)
}
