package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/batch"
)

// dispatch is the single consumer of the queue. It owns backend for its whole
// lifetime and releases it on the way out, whichever side initiated the stop.
func (t *Transport) dispatch(ctx context.Context, backend logging.Backend) {
	defer t.release(backend)

	if p, ok := backend.(logging.Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			if ctx.Err() == nil {
				t.status.Error("Failed to prepare backend, closing transport", err, "transport", t.opts.name)
			}
			_ = t.Close()
			t.discard()
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			t.drain(backend, nil)
			return
		case <-t.queue.Ready():
		}

		if ctx.Err() != nil {
			t.drain(backend, nil)
			return
		}

		if t.opts.flushInterval > 0 && !t.linger(ctx) {
			t.drain(backend, nil)
			return
		}

		events := t.queue.Detach()
		if len(events) == 0 {
			continue
		}

		if pending, stopped := t.flush(ctx, backend, events); stopped {
			t.drain(backend, pending)
			return
		}
	}
}

// linger gives producers a chance to fill the batch. Returns false if the
// transport was closed meanwhile.
func (t *Transport) linger(ctx context.Context) bool {
	timer := time.NewTimer(t.opts.flushInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// flush writes events chunk by chunk. A failed chunk is reported and
// skipped. Cancellation stops the flush: stopped is true and pending holds
// the chunks that were never attempted.
func (t *Transport) flush(ctx context.Context, backend logging.Backend, events []logging.Event) (pending []logging.Event, stopped bool) {
	chunks := batch.Split(events, t.opts.maxBatchSize)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return flatten(chunks[i:]), true
		}

		err := t.persist(ctx, backend, chunk)
		switch {
		case err == nil:
			t.metrics.AddBatchPersisted(len(chunk))
		case ctx.Err() != nil:
			// shutting down, the in-flight chunk is abandoned
			t.metrics.AddEventsDropped(len(chunk))
			return flatten(chunks[i+1:]), true
		default:
			t.metrics.IncBatchesFailed()
			t.status.Error("Failed to persist batch", err, "transport", t.opts.name, "size", len(chunk))
		}
	}
	return nil, false
}

func flatten(chunks [][]logging.Event) []logging.Event {
	var out []logging.Event
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func (t *Transport) persist(ctx context.Context, backend logging.Backend, events []logging.Event) (err error) {
	if t.opts.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.persistTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: backend panicked: %v", logging.ErrBatchPersist, r)
		}
	}()

	if err := backend.PersistBatch(ctx, events); err != nil {
		return fmt.Errorf("%w: %w", logging.ErrBatchPersist, err)
	}
	return nil
}

// drain runs once the transport is closed. pending are events detached
// earlier but never attempted. Unless drain-on-close is enabled, they and
// whatever is still queued are discarded.
func (t *Transport) drain(backend logging.Backend, pending []logging.Event) {
	if !t.opts.drainOnClose {
		t.metrics.AddEventsDropped(len(pending))
		t.discard()
		return
	}

	events := append(pending, t.queue.Detach()...)
	if len(events) == 0 {
		return
	}

	ctx := context.Background()
	if t.opts.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.drainTimeout)
		defer cancel()
	}

	t.status.Info("Draining queue before close", "transport", t.opts.name, "size", len(events))
	if rest, stopped := t.flush(ctx, backend, events); stopped {
		t.metrics.AddEventsDropped(len(rest))
		t.status.Info("Drain interrupted", "transport", t.opts.name, "dropped", len(rest))
	}
}

func (t *Transport) discard() {
	t.metrics.AddEventsDropped(len(t.queue.Detach()))
}

func (t *Transport) release(backend logging.Backend) {
	// the fatal path gets here without a Close from the user
	_ = t.Close()

	t.closeBackend(backend)
	t.status.Info("Transport stopped", "transport", t.opts.name)
	t.finish()
}
