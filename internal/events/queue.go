package events

import (
	"context"
	"sync"

	"grimm.is/privacyd/internal/metrics"
)

// Queue is an unbounded FIFO of events with a blocking Pop. It is intended
// for one producer and one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}

	metrics *metrics.Registry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		signal:  make(chan struct{}, 1),
		metrics: metrics.Get(),
	}
}

// Push appends e. It never blocks.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.EventsQueued.Set(float64(n))
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest event, waiting while the queue is
// empty. It returns ctx.Err() if ctx ends first.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			q.metrics.EventsQueued.Set(float64(n))
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
