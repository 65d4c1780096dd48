package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradecore/internal/schema"
)

var (
	ErrQueueClosed  = errors.New("event queue closed")
	ErrFabricClosed = errors.New("dispatch fabric closed")
	ErrNilHandler   = errors.New("dispatch fabric: nil handler")
	ErrSubscribed   = errors.New("dispatch fabric: subscriber already registered")
)

// Event is the unit passed through the fabric. Key is the ordering key,
// normally the symbol.
type Event struct {
	Topic       schema.Topic
	Key         string
	Payload     any
	PublishedAt time.Time
}

// Queue is a bounded queue that never blocks the producer: when it is full
// the oldest event is evicted.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Publish enqueues e and returns how many older events were evicted to make
// room for it.
func (q *Queue) Publish(e Event) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	dropped := 0
	for {
		select {
		case q.ch <- e:
			return dropped, nil
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new events. Queued events are still
// delivered by Run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed and
// drained.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
