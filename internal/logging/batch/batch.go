package batch

import (
	"sync"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

// Queue is the shared buffer between producers and the dispatcher. Producers
// append under a short-held mutex; the dispatcher swaps the whole buffer out
// in one step so a detached batch is never appended to again.
type Queue struct {
	mu      sync.Mutex
	entries []logging.Event
	closed  bool
	ready   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Add appends e and wakes the dispatcher. It returns false once the queue
// has been closed; the event is dropped in that case.
func (q *Queue) Add(e logging.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.notify()
	return true
}

// Ready delivers at most one pending wake-up. Several Adds between two
// receives collapse into a single signal, and a signal may arrive for a
// queue that has already been drained, so receivers must tolerate an empty
// Detach.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Detach hands the current contents to the caller and leaves an empty buffer
// behind. Returns nil when there is nothing queued.
func (q *Queue) Detach() []logging.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	detached := q.entries
	q.entries = nil
	return detached
}

// Close rejects further Adds. Events already buffered stay available to
// Detach so the owner can decide whether to flush or discard them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	// wake a waiting dispatcher so it observes the shutdown
	q.notify()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Split cuts events into consecutive chunks of at most max entries, keeping
// their order. A max <= 0 returns the batch as a single chunk.
func Split(events []logging.Event, max int) [][]logging.Event {
	if len(events) == 0 {
		return nil
	}
	if max <= 0 || len(events) <= max {
		return [][]logging.Event{events}
	}

	chunks := make([][]logging.Event, 0, (len(events)+max-1)/max)
	for start := 0; start < len(events); start += max {
		end := min(start+max, len(events))
		chunks = append(chunks, events[start:end:end])
	}
	return chunks
}
