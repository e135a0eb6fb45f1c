// Package stream routes live market-data ticks to subscriber nodes.
// Subscriptions are reference-counted and keyed by (symbol, exchange,
// kind) so any number of nodes across any number of executions share one
// upstream feed connection; a subscription's lifetime is decoupled from
// any single execution.
package stream

import (
	"fmt"
	"sync"
	"time"
)

// Kind selects the tick shape delivered for a subscription.
type Kind string

const (
	KindLTP   Kind = "ltp"
	KindQuote Kind = "quote"
	KindDepth Kind = "depth"
)

// Key identifies one upstream feed.
type Key struct {
	Symbol   string
	Exchange string
	Kind     Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Kind)
}

// Tick is one inbound market-data update.
type Tick struct {
	Key  Key
	Data map[string]any
	At   time.Time
}

// Feed is the upstream transport the router subscribes through.
type Feed interface {
	Subscribe(key Key) error
	Unsubscribe(key Key) error
}

// SubscriptionError reports an unavailable feed. The subscribing node's
// branch does not fire until the feed resolves; the originating execution
// is not failed, since subscriptions outlive single runs.
type SubscriptionError struct {
	Key Key
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s unavailable: %v", e.Key, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Binding ties a subscription to one node's output variable in one
// execution.
type Binding struct {
	ExecutionID    string
	NodeID         string
	OutputVariable string
}

// Handle identifies one binding for later release.
type Handle struct {
	key     Key
	binding Binding
}

// Key returns the feed key this handle is bound to.
func (h Handle) Key() Key { return h.key }

type subscription struct {
	refs     int
	bindings map[string]Binding // keyed by executionID + "\x00" + nodeID
}

// DefaultQueueDepth bounds each execution's tick queue. When a consumer
// falls behind, the oldest ticks are dropped so one slow branch cannot
// stall the feed for every other subscriber.
const DefaultQueueDepth = 64

// Router owns the subscription table and per-execution tick queues. The
// table is the one resource mutated by concurrent executions; a single
// mutex guards subscribe, unsubscribe and dispatch.
type Router struct {
	mu     sync.Mutex
	feed   Feed
	subs   map[Key]*subscription
	queues map[string]*tickQueue

	// QueueDepth overrides DefaultQueueDepth when positive.
	QueueDepth int
}

// NewRouter creates a router over the given upstream feed.
func NewRouter(feed Feed) *Router {
	return &Router{
		feed:   feed,
		subs:   make(map[Key]*subscription),
		queues: make(map[string]*tickQueue),
	}
}

func bindingKey(b Binding) string {
	return b.ExecutionID + "\x00" + b.NodeID
}

// Subscribe binds an output variable to a feed key. The first binding for
// a key opens the upstream feed; later bindings share it.
func (r *Router) Subscribe(key Key, b Binding) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[key]
	if !exists {
		if err := r.feed.Subscribe(key); err != nil {
			return Handle{}, &SubscriptionError{Key: key, Err: err}
		}
		sub = &subscription{bindings: make(map[string]Binding)}
		r.subs[key] = sub
	}

	bk := bindingKey(b)
	if _, dup := sub.bindings[bk]; !dup {
		sub.bindings[bk] = b
		sub.refs++
	}
	return Handle{key: key, binding: b}, nil
}

// Unsubscribe releases one binding. The upstream feed is torn down only
// when the last binding for its key is gone.
func (r *Router) Unsubscribe(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release(h.key, h.binding)
}

// release must be called with r.mu held.
func (r *Router) release(key Key, b Binding) error {
	sub, ok := r.subs[key]
	if !ok {
		return nil
	}
	bk := bindingKey(b)
	if _, bound := sub.bindings[bk]; !bound {
		return nil
	}
	delete(sub.bindings, bk)
	sub.refs--
	if sub.refs <= 0 {
		delete(r.subs, key)
		if err := r.feed.Unsubscribe(key); err != nil {
			return &SubscriptionError{Key: key, Err: err}
		}
	}
	return nil
}

// UnsubscribeMatching releases every binding owned by an execution whose
// key matches the symbol and kind filters; empty filters match everything,
// which is the "unsubscribe all" node config.
func (r *Router) UnsubscribeMatching(executionID, symbol string, kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for key, sub := range r.subs {
		if symbol != "" && key.Symbol != symbol {
			continue
		}
		if kind != "" && key.Kind != kind {
			continue
		}
		for _, b := range sub.bindings {
			if b.ExecutionID == executionID {
				r.release(key, b) //nolint:errcheck // teardown is best-effort here
				released++
			}
		}
	}
	return released
}

// DropExecution releases every binding an execution owns and closes its
// tick queue. Called when a run reaches a terminal state.
func (r *Router) DropExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sub := range r.subs {
		for _, b := range sub.bindings {
			if b.ExecutionID == executionID {
				r.release(key, b) //nolint:errcheck
			}
		}
	}
	if q, ok := r.queues[executionID]; ok {
		delete(r.queues, executionID)
		q.Close()
	}
}

// Refs returns the current reference count for a key. Zero means no feed
// is open.
func (r *Router) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		return sub.refs
	}
	return 0
}

// Delivery is one tick bound for one subscriber node.
type Delivery struct {
	Binding Binding
	Tick    Tick
}

// RegisterConsumer attaches an execution's tick consumer. Ticks are handed
// off through a bounded queue drained by a dedicated goroutine, so a slow
// node evaluation never blocks Dispatch.
func (r *Router) RegisterConsumer(executionID string, deliver func(Delivery)) {
	depth := r.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	q := newTickQueue(depth)

	r.mu.Lock()
	r.queues[executionID] = q
	r.mu.Unlock()

	go func() {
		for {
			d, ok := q.Pop()
			if !ok {
				return
			}
			deliver(d)
		}
	}()
}

// Dispatch fans one inbound tick out to every active execution bound to
// its key. Must not block: full consumer queues drop their oldest tick.
func (r *Router) Dispatch(tick Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[tick.Key]
	if !ok {
		return
	}
	for _, b := range sub.bindings {
		if q, ok := r.queues[b.ExecutionID]; ok {
			q.Push(Delivery{Binding: b, Tick: tick})
		}
	}
}
