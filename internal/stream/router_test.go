package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed records upstream subscribe/unsubscribe calls.
type fakeFeed struct {
	mu         sync.Mutex
	subscribed []Key
	released   []Key
	subErr     error
}

func (f *fakeFeed) Subscribe(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed = append(f.subscribed, key)
	return nil
}

func (f *fakeFeed) Unsubscribe(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, key)
	return nil
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed), len(f.released)
}

var niftyLTP = Key{Symbol: "NIFTY", Exchange: "NSE_INDEX", Kind: KindLTP}

func TestSubscribeDeduplicates(t *testing.T) {
	feed := &fakeFeed{}
	r := NewRouter(feed)

	h1, err := r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n1", OutputVariable: "tick"})
	require.NoError(t, err)
	_, err = r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n2", OutputVariable: "tick2"})
	require.NoError(t, err)
	_, err = r.Subscribe(niftyLTP, Binding{ExecutionID: "ex2", NodeID: "n1", OutputVariable: "tick"})
	require.NoError(t, err)

	// Three bindings, one upstream feed.
	subs, _ := feed.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 3, r.Refs(niftyLTP))

	// Rebinding the same node is idempotent.
	_, err = r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n1", OutputVariable: "tick"})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Refs(niftyLTP))

	// Releasing two of three keeps the feed open.
	require.NoError(t, r.Unsubscribe(h1))
	r.DropExecution("ex2")
	_, released := feed.counts()
	assert.Equal(t, 0, released)
	assert.Equal(t, 1, r.Refs(niftyLTP))

	// The last release tears the feed down.
	r.DropExecution("ex1")
	_, released = feed.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, r.Refs(niftyLTP))
}

func TestSubscribeFeedUnavailable(t *testing.T) {
	feed := &fakeFeed{subErr: errors.New("feed down")}
	r := NewRouter(feed)

	_, err := r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n1"})
	var serr *SubscriptionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, niftyLTP, serr.Key)
	assert.Equal(t, 0, r.Refs(niftyLTP))
}

func TestUnsubscribeMatching(t *testing.T) {
	feed := &fakeFeed{}
	r := NewRouter(feed)

	sbinQuote := Key{Symbol: "SBIN", Exchange: "NSE", Kind: KindQuote}
	_, err := r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n1"})
	require.NoError(t, err)
	_, err = r.Subscribe(sbinQuote, Binding{ExecutionID: "ex1", NodeID: "n2"})
	require.NoError(t, err)
	_, err = r.Subscribe(sbinQuote, Binding{ExecutionID: "ex2", NodeID: "n1"})
	require.NoError(t, err)

	t.Run("symbol filter scoped to caller", func(t *testing.T) {
		n := r.UnsubscribeMatching("ex1", "SBIN", "")
		assert.Equal(t, 1, n)
		// ex2's binding on the same key survives.
		assert.Equal(t, 1, r.Refs(sbinQuote))
		assert.Equal(t, 1, r.Refs(niftyLTP))
	})

	t.Run("empty filters release all of the caller's bindings", func(t *testing.T) {
		n := r.UnsubscribeMatching("ex1", "", "")
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, r.Refs(niftyLTP))
	})

	t.Run("no matches is a no-op", func(t *testing.T) {
		assert.Equal(t, 0, r.UnsubscribeMatching("ex1", "TCS", ""))
	})
}

func TestDispatchFanOut(t *testing.T) {
	feed := &fakeFeed{}
	r := NewRouter(feed)

	got := make(chan Delivery, 8)
	r.RegisterConsumer("ex1", func(d Delivery) { got <- d })
	r.RegisterConsumer("ex2", func(d Delivery) { got <- d })

	_, err := r.Subscribe(niftyLTP, Binding{ExecutionID: "ex1", NodeID: "n1", OutputVariable: "a"})
	require.NoError(t, err)
	_, err = r.Subscribe(niftyLTP, Binding{ExecutionID: "ex2", NodeID: "n9", OutputVariable: "b"})
	require.NoError(t, err)

	r.Dispatch(Tick{Key: niftyLTP, Data: map[string]any{"ltp": 24350.5}, At: time.Now()})

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-got:
			seen[d.Binding.ExecutionID] = d.Binding.OutputVariable
			assert.Equal(t, 24350.5, d.Tick.Data["ltp"])
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, map[string]string{"ex1": "a", "ex2": "b"}, seen)

	t.Run("unsubscribed key is ignored", func(t *testing.T) {
		r.Dispatch(Tick{Key: Key{Symbol: "GHOST", Exchange: "NSE", Kind: KindLTP}})
		select {
		case d := <-got:
			t.Fatalf("unexpected delivery: %+v", d)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestTickQueueOldestDrop(t *testing.T) {
	q := newTickQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(Delivery{Tick: Tick{Data: map[string]any{"seq": i}}})
	}
	assert.Equal(t, 2, q.Dropped())

	// Oldest two were evicted; 2, 3, 4 remain in order.
	for _, want := range []int{2, 3, 4} {
		d, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, d.Tick.Data["seq"])
	}

	q.Close()
	_, ok := q.Pop()
	assert.False(t, ok)

	// Push after close is discarded.
	q.Push(Delivery{})
	assert.Equal(t, 2, q.Dropped())
}
