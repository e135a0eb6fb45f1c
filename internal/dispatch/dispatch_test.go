package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/vars"
)

// fakeBroker scripts responses per call and records every order request.
type fakeBroker struct {
	placed    []broker.OrderRequest
	placeErrs []error // consumed in order; nil means success
	placeN    int

	quote     broker.Quote
	quoteErrs []error
	quoteN    int

	alerts []string
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	f.placed = append(f.placed, req)
	n := f.placeN
	f.placeN++
	if n < len(f.placeErrs) && f.placeErrs[n] != nil {
		return broker.OrderAck{}, f.placeErrs[n]
	}
	return broker.OrderAck{Status: "success", OrderID: fmt.Sprintf("ORD%03d", n+1)}, nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID string, req broker.OrderRequest) (broker.OrderAck, error) {
	return broker.OrderAck{Status: "success", OrderID: orderID}, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) (broker.OrderAck, error) {
	return broker.OrderAck{Status: "success", OrderID: orderID}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol, exchange, product string) (broker.OrderAck, error) {
	return broker.OrderAck{Status: "success"}, nil
}

func (f *fakeBroker) Quote(ctx context.Context, symbol, exchange string) (broker.Quote, error) {
	n := f.quoteN
	f.quoteN++
	if n < len(f.quoteErrs) && f.quoteErrs[n] != nil {
		return broker.Quote{}, f.quoteErrs[n]
	}
	return f.quote, nil
}

func (f *fakeBroker) Depth(ctx context.Context, symbol, exchange string) (broker.Depth, error) {
	return broker.Depth{Symbol: symbol}, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (f *fakeBroker) Funds(ctx context.Context) (broker.Funds, error) {
	return broker.Funds{AvailableCash: 50000}, nil
}

func (f *fakeBroker) OrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	return broker.OrderStatus{OrderID: orderID, Status: "complete"}, nil
}

func (f *fakeBroker) OptionChain(ctx context.Context, symbol, exchange, expiry string) ([]broker.OptionContract, error) {
	return nil, nil
}

func (f *fakeBroker) SendAlert(ctx context.Context, username, message string) error {
	f.alerts = append(f.alerts, username+": "+message)
	return nil
}

func fastRetry() Policy {
	return Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestDispatcher(b broker.Client) *Dispatcher {
	d := New(b)
	d.Retry = fastRetry()
	return d
}

func TestPlaceOrder(t *testing.T) {
	t.Run("success binds output", func(t *testing.T) {
		fb := &fakeBroker{}
		d := newTestDispatcher(fb)
		scope := vars.New()
		log := exlog.New()

		node := &graph.Node{ID: "o1", Kind: graph.KindPlaceOrder, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE", "action": "BUY",
			"quantity": float64(10), "pricetype": "MARKET", "product": "MIS",
			"outputVariable": "orderResult",
		}}
		_, err := d.Invoke(context.Background(), node, scope, log)
		require.NoError(t, err)

		require.Len(t, fb.placed, 1)
		assert.Equal(t, "SBIN", fb.placed[0].Symbol)
		assert.Equal(t, 10, fb.placed[0].Quantity)

		id, ok := scope.Resolve("orderResult.orderid")
		require.True(t, ok)
		assert.Equal(t, "ORD001", id)
	})

	t.Run("failure is never retried", func(t *testing.T) {
		transient := &broker.APIError{StatusCode: 503, Message: "unavailable"}
		fb := &fakeBroker{placeErrs: []error{transient}}
		d := newTestDispatcher(fb)

		node := &graph.Node{ID: "o1", Kind: graph.KindPlaceOrder, Config: map[string]any{
			"symbol": "SBIN", "action": "BUY", "quantity": float64(10),
		}}
		_, err := d.Invoke(context.Background(), node, vars.New(), exlog.New())

		var aerr *ActionError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "placeOrder", aerr.Op)
		// One attempt only, even for a transient error.
		assert.Len(t, fb.placed, 1)
	})

	t.Run("templated quantity coerces", func(t *testing.T) {
		fb := &fakeBroker{}
		d := newTestDispatcher(fb)
		scope := vars.Seed(map[string]any{"lots": float64(3)})

		node := &graph.Node{ID: "o1", Kind: graph.KindPlaceOrder, Config: map[string]any{
			"symbol": "NIFTY", "action": "SELL", "quantity": "{{lots}}",
		}}
		_, err := d.Invoke(context.Background(), node, scope, exlog.New())
		require.NoError(t, err)
		assert.Equal(t, 3, fb.placed[0].Quantity)
	})

	t.Run("non-positive quantity rejected", func(t *testing.T) {
		node := &graph.Node{ID: "o1", Kind: graph.KindPlaceOrder, Config: map[string]any{
			"symbol": "SBIN", "action": "BUY", "quantity": float64(0),
		}}
		_, err := newTestDispatcher(&fakeBroker{}).Invoke(context.Background(), node, vars.New(), exlog.New())
		assert.ErrorContains(t, err, "quantity must be positive")
	})
}

func TestDataLookupRetries(t *testing.T) {
	t.Run("transient errors retried then succeed", func(t *testing.T) {
		transient := &broker.APIError{StatusCode: 500, Message: "flaky"}
		fb := &fakeBroker{
			quote:     broker.Quote{Symbol: "SBIN", LTP: 850},
			quoteErrs: []error{transient, transient, nil},
		}
		d := newTestDispatcher(fb)
		scope := vars.New()

		node := &graph.Node{ID: "q1", Kind: graph.KindGetQuote, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE", "outputVariable": "quote",
		}}
		_, err := d.Invoke(context.Background(), node, scope, exlog.New())
		require.NoError(t, err)
		assert.Equal(t, 3, fb.quoteN)

		ltp, ok := scope.Resolve("quote.ltp")
		require.True(t, ok)
		assert.Equal(t, 850.0, ltp)
	})

	t.Run("exhausted retries fail the branch", func(t *testing.T) {
		transient := &broker.APIError{StatusCode: 429, Message: "rate limited"}
		fb := &fakeBroker{quoteErrs: []error{transient, transient, transient}}
		d := newTestDispatcher(fb)

		node := &graph.Node{ID: "q1", Kind: graph.KindGetQuote, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE",
		}}
		_, err := d.Invoke(context.Background(), node, vars.New(), exlog.New())
		require.Error(t, err)
		assert.Equal(t, 3, fb.quoteN) // initial attempt + 2 retries
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		permanent := &broker.APIError{StatusCode: 401, Message: "bad key"}
		fb := &fakeBroker{quoteErrs: []error{permanent}}
		d := newTestDispatcher(fb)

		node := &graph.Node{ID: "q1", Kind: graph.KindGetQuote, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE",
		}}
		_, err := d.Invoke(context.Background(), node, vars.New(), exlog.New())
		require.Error(t, err)
		assert.Equal(t, 1, fb.quoteN)
	})
}

func TestSplitOrder(t *testing.T) {
	t.Run("130 by 50 yields 50 50 30", func(t *testing.T) {
		fb := &fakeBroker{}
		d := newTestDispatcher(fb)
		scope := vars.New()

		node := &graph.Node{ID: "s1", Kind: graph.KindSplitOrder, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE", "action": "BUY",
			"quantity": float64(130), "splitSize": float64(50),
			"outputVariable": "split",
		}}
		_, err := d.Invoke(context.Background(), node, scope, exlog.New())
		require.NoError(t, err)

		require.Len(t, fb.placed, 3)
		assert.Equal(t, 50, fb.placed[0].Quantity)
		assert.Equal(t, 50, fb.placed[1].Quantity)
		assert.Equal(t, 30, fb.placed[2].Quantity)

		total, _ := scope.Resolve("split.total")
		assert.Equal(t, 3.0, total)
		failed, _ := scope.Resolve("split.failed")
		assert.Equal(t, 0.0, failed)
	})

	t.Run("middle leg failure continues remaining legs", func(t *testing.T) {
		fb := &fakeBroker{placeErrs: []error{nil, errors.New("margin exceeded"), nil}}
		d := newTestDispatcher(fb)
		scope := vars.New()

		node := &graph.Node{ID: "s1", Kind: graph.KindSplitOrder, Config: map[string]any{
			"symbol": "SBIN", "exchange": "NSE", "action": "BUY",
			"quantity": float64(130), "splitSize": float64(50),
			"outputVariable": "split",
		}}
		_, err := d.Invoke(context.Background(), node, scope, exlog.New())
		require.NoError(t, err) // partial failure is reported, not raised

		assert.Len(t, fb.placed, 3)
		ok0, _ := scope.Resolve("split.results[0].success")
		ok1, _ := scope.Resolve("split.results[1].success")
		ok2, _ := scope.Resolve("split.results[2].success")
		assert.Equal(t, true, ok0)
		assert.Equal(t, false, ok1)
		assert.Equal(t, true, ok2)

		msg, found := scope.Resolve("split.results[1].error")
		require.True(t, found)
		assert.Contains(t, msg, "margin exceeded")

		failed, _ := scope.Resolve("split.failed")
		assert.Equal(t, 1.0, failed)
	})

	t.Run("splitSize must be positive", func(t *testing.T) {
		node := &graph.Node{ID: "s1", Kind: graph.KindSplitOrder, Config: map[string]any{
			"symbol": "SBIN", "action": "BUY", "quantity": float64(100), "splitSize": float64(0),
		}}
		_, err := newTestDispatcher(&fakeBroker{}).Invoke(context.Background(), node, vars.New(), exlog.New())
		assert.ErrorContains(t, err, "splitSize")
	})
}

func TestBasketOrder(t *testing.T) {
	fb := &fakeBroker{}
	d := newTestDispatcher(fb)
	scope := vars.New()

	node := &graph.Node{ID: "b1", Kind: graph.KindBasketOrder, Config: map[string]any{
		"orders": []any{
			map[string]any{"symbol": "SBIN", "action": "BUY", "quantity": float64(10)},
			map[string]any{"symbol": "INFY", "action": "SELL", "quantity": float64(5)},
		},
		"outputVariable": "basket",
	}}
	_, err := d.Invoke(context.Background(), node, scope, exlog.New())
	require.NoError(t, err)

	require.Len(t, fb.placed, 2)
	assert.Equal(t, "SBIN", fb.placed[0].Symbol)
	assert.Equal(t, "INFY", fb.placed[1].Symbol)

	t.Run("empty basket is an error", func(t *testing.T) {
		bad := &graph.Node{ID: "b2", Kind: graph.KindBasketOrder, Config: map[string]any{
			"orders": []any{},
		}}
		_, err := d.Invoke(context.Background(), bad, vars.New(), exlog.New())
		assert.ErrorContains(t, err, "empty")
	})
}

func TestSendAlertAndLogMessage(t *testing.T) {
	fb := &fakeBroker{}
	d := newTestDispatcher(fb)
	scope := vars.Seed(map[string]any{"symbol": "NIFTY"})
	log := exlog.New()

	alert := &graph.Node{ID: "a1", Kind: graph.KindSendAlert, Config: map[string]any{
		"username": "trader1", "message": "breakout on {{symbol}}",
	}}
	_, err := d.Invoke(context.Background(), alert, scope, log)
	require.NoError(t, err)
	require.Len(t, fb.alerts, 1)
	assert.Equal(t, "trader1: breakout on NIFTY", fb.alerts[0])

	msg := &graph.Node{ID: "m1", Kind: graph.KindLogMessage, Config: map[string]any{
		"message": "watching {{symbol}}", "level": "warning",
	}}
	_, err = d.Invoke(context.Background(), msg, scope, log)
	require.NoError(t, err)

	entries := log.Entries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "m1", last.Node)
	assert.Equal(t, exlog.LevelWarning, last.Level)
	assert.Equal(t, "watching NIFTY", last.Message)
}
