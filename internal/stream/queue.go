package stream

import "sync"

// tickQueue is a bounded FIFO with oldest-drop backpressure. Push never
// blocks; when the queue is full the oldest delivery is discarded so the
// consumer always sees the freshest ticks the feed produced.
type tickQueue struct {
	mu      sync.Mutex
	items   []Delivery
	max     int
	dropped int
	closed  bool
	signal  chan struct{}
}

func newTickQueue(max int) *tickQueue {
	return &tickQueue{
		max:    max,
		signal: make(chan struct{}, 1),
	}
}

// Push appends a delivery, evicting the oldest entry when full.
func (q *tickQueue) Push(d Delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a delivery is available or the queue is closed.
func (q *tickQueue) Pop() (Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = Delivery{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, true
		}
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// Dropped returns how many deliveries were evicted under backpressure.
func (q *tickQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes the consumer and discards further pushes.
func (q *tickQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.signal)
}
