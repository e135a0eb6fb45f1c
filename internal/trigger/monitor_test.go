package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/graph"
)

// fakeStarter records every fired execution.
type fakeStarter struct {
	starts []startCall
}

type startCall struct {
	workflow string
	node     string
	seed     map[string]any
}

func (f *fakeStarter) Start(ctx context.Context, g *graph.Graph, trig *graph.Node, seed map[string]any) (string, error) {
	f.starts = append(f.starts, startCall{workflow: g.ID, node: trig.ID, seed: seed})
	return "exec-1", nil
}

// fakeQuotes replays a scripted LTP series.
type fakeQuotes struct {
	series []float64
	n      int
}

func (f *fakeQuotes) Quote(ctx context.Context, symbol, exchange string) (broker.Quote, error) {
	ltp := f.series[len(f.series)-1]
	if f.n < len(f.series) {
		ltp = f.series[f.n]
		f.n++
	}
	return broker.Quote{Symbol: symbol, LTP: ltp}, nil
}

func mustGraph(t *testing.T, doc string) *graph.Graph {
	t.Helper()
	g, err := graph.Load([]byte(doc))
	require.NoError(t, err)
	return g
}

const alertWorkflow = `{
	"id": "wf-alert",
	"nodes": [
		{"id": "pa", "type": "priceAlert", "data": {"symbol": "SBIN", "exchange": "NSE", "condition": "%s", "value": 100, "trigger": "once"}},
		{"id": "lm", "type": "logMessage", "data": {"message": "fired"}}
	],
	"edges": [{"id": "e1", "source": "pa", "target": "lm"}]
}`

func sweepSeries(t *testing.T, condition string, series []float64) *fakeStarter {
	t.Helper()
	starter := &fakeStarter{}
	quotes := &fakeQuotes{series: series}
	m := NewMonitor(starter, quotes)
	m.Now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local) }

	doc := mustGraph(t, fmt.Sprintf(alertWorkflow, condition))
	require.NoError(t, m.Register(doc))

	for range series {
		m.sweep(context.Background())
	}
	return starter
}

func TestPriceAlertCrossing(t *testing.T) {
	t.Run("crosses_above fires on the second tick", func(t *testing.T) {
		starter := sweepSeries(t, "crosses_above", []float64{99, 101})
		require.Len(t, starter.starts, 1)
		assert.Equal(t, "pa", starter.starts[0].node)
		assert.Equal(t, 101.0, starter.starts[0].seed["price"])
	})

	t.Run("crosses_above never fires when already above", func(t *testing.T) {
		starter := sweepSeries(t, "crosses_above", []float64{101, 102, 103})
		assert.Empty(t, starter.starts)
	})

	t.Run("crosses_below needs a tick from the other side", func(t *testing.T) {
		starter := sweepSeries(t, "crosses_below", []float64{101, 98})
		assert.Len(t, starter.starts, 1)

		starter = sweepSeries(t, "crosses_below", []float64{98, 97})
		assert.Empty(t, starter.starts)
	})

	t.Run("above fires immediately when first tick satisfies", func(t *testing.T) {
		starter := sweepSeries(t, "above", []float64{101})
		assert.Len(t, starter.starts, 1)
	})

	t.Run("above fires on the transition only", func(t *testing.T) {
		starter := sweepSeries(t, "above", []float64{99, 99.5, 101})
		assert.Len(t, starter.starts, 1)
	})

	t.Run("fire-once alert expires after firing", func(t *testing.T) {
		starter := &fakeStarter{}
		quotes := &fakeQuotes{series: []float64{99, 101, 99, 101}}
		m := NewMonitor(starter, quotes)
		require.NoError(t, m.Register(mustGraph(t, fmt.Sprintf(alertWorkflow, "crosses_above"))))

		for i := 0; i < 4; i++ {
			m.sweep(context.Background())
		}
		assert.Len(t, starter.starts, 1)
		assert.Equal(t, StateExpired, m.States()["pa"])
	})
}

func TestScheduleFiring(t *testing.T) {
	scheduleDoc := `{
		"id": "wf-sched",
		"nodes": [
			{"id": "sc", "type": "schedule", "data": {"scheduleType": "once", "time": "2026-08-24T09:20:00+05:30"}},
			{"id": "lm", "type": "logMessage", "data": {"message": "fired"}}
		],
		"edges": [{"id": "e1", "source": "sc", "target": "lm"}]
	}`

	t.Run("once fires then expires", func(t *testing.T) {
		starter := &fakeStarter{}
		m := NewMonitor(starter, nil)
		ist := time.FixedZone("IST", 5*3600+1800)
		now := time.Date(2026, 8, 24, 9, 19, 0, 0, ist)
		m.Now = func() time.Time { return now }

		require.NoError(t, m.Register(mustGraph(t, scheduleDoc)))
		m.sweep(context.Background())
		assert.Empty(t, starter.starts, "must not fire before the scheduled instant")

		now = now.Add(90 * time.Second)
		m.sweep(context.Background())
		require.Len(t, starter.starts, 1)
		assert.Equal(t, "wf-sched", starter.starts[0].workflow)
		assert.Equal(t, StateExpired, m.States()["sc"])

		m.sweep(context.Background())
		assert.Len(t, starter.starts, 1, "a spent once schedule never re-fires")
	})

	t.Run("interval re-arms after each fire", func(t *testing.T) {
		intervalDoc := `{
			"id": "wf-int",
			"nodes": [
				{"id": "sc", "type": "schedule", "data": {"scheduleType": "interval", "interval": 5, "unit": "minutes"}},
				{"id": "lm", "type": "logMessage", "data": {"message": "tick"}}
			],
			"edges": [{"id": "e1", "source": "sc", "target": "lm"}]
		}`
		starter := &fakeStarter{}
		m := NewMonitor(starter, nil)
		now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
		m.Now = func() time.Time { return now }

		require.NoError(t, m.Register(mustGraph(t, intervalDoc)))

		now = now.Add(5 * time.Minute)
		m.sweep(context.Background())
		now = now.Add(time.Second)
		m.sweep(context.Background())
		assert.Len(t, starter.starts, 1, "re-armed interval has not elapsed yet")

		now = now.Add(5 * time.Minute)
		m.sweep(context.Background())
		assert.Len(t, starter.starts, 2)
		assert.Equal(t, StateArmed, m.States()["sc"])
	})
}

func TestScheduleNext(t *testing.T) {
	t.Run("daily skips to tomorrow when past", func(t *testing.T) {
		node := &graph.Node{ID: "sc", Kind: graph.KindSchedule, Config: map[string]any{
			"scheduleType": "daily", "time": "09:20",
		}}
		s, err := parseSchedule(node)
		require.NoError(t, err)

		now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
		next := s.next(now)
		assert.Equal(t, time.Date(2026, 8, 25, 9, 20, 0, 0, time.Local), next)
	})

	t.Run("weekly picks the next listed day", func(t *testing.T) {
		node := &graph.Node{ID: "sc", Kind: graph.KindSchedule, Config: map[string]any{
			"scheduleType": "weekly", "time": "09:20", "days": []any{"Mon", "Friday"},
		}}
		s, err := parseSchedule(node)
		require.NoError(t, err)

		// 2026-08-25 is a Tuesday; next listed day is Friday the 28th.
		now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.Local)
		assert.Equal(t, time.Date(2026, 8, 28, 9, 20, 0, 0, time.Local), s.next(now))
	})

	t.Run("weekly without days is rejected", func(t *testing.T) {
		node := &graph.Node{ID: "sc", Kind: graph.KindSchedule, Config: map[string]any{
			"scheduleType": "weekly", "time": "09:20",
		}}
		_, err := parseSchedule(node)
		assert.ErrorContains(t, err, "days list")
	})

	t.Run("unknown scheduleType is rejected", func(t *testing.T) {
		node := &graph.Node{ID: "sc", Kind: graph.KindSchedule, Config: map[string]any{
			"scheduleType": "lunar",
		}}
		_, err := parseSchedule(node)
		assert.ErrorContains(t, err, "unknown scheduleType")
	})
}

func TestOnWebhook(t *testing.T) {
	doc := `{
		"id": "wf-hook",
		"nodes": [
			{"id": "wh", "type": "webhook", "data": {"secret": "tv-secret", "symbol": "NIFTY"}},
			{"id": "lm", "type": "logMessage", "data": {"message": "fired"}}
		],
		"edges": [{"id": "e1", "source": "wh", "target": "lm"}]
	}`

	newHookMonitor := func(t *testing.T) (*Monitor, *fakeStarter) {
		starter := &fakeStarter{}
		m := NewMonitor(starter, nil)
		require.NoError(t, m.Register(mustGraph(t, doc)))
		return m, starter
	}

	t.Run("valid call seeds payload and symbol", func(t *testing.T) {
		m, starter := newHookMonitor(t)
		id, err := m.OnWebhook(context.Background(), "wf-hook", "NIFTY", "tv-secret", map[string]any{"signal": "buy"})
		require.NoError(t, err)
		assert.Equal(t, "exec-1", id)

		require.Len(t, starter.starts, 1)
		seed := starter.starts[0].seed
		assert.Equal(t, "NIFTY", seed["symbol"])
		payload, ok := seed["webhook"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "buy", payload["signal"])
	})

	t.Run("secret mismatch is rejected", func(t *testing.T) {
		m, starter := newHookMonitor(t)
		_, err := m.OnWebhook(context.Background(), "wf-hook", "NIFTY", "wrong", nil)
		assert.ErrorContains(t, err, "secret mismatch")
		assert.Empty(t, starter.starts)
	})

	t.Run("symbol binding must match", func(t *testing.T) {
		m, _ := newHookMonitor(t)
		_, err := m.OnWebhook(context.Background(), "wf-hook", "BANKNIFTY", "tv-secret", nil)
		assert.ErrorContains(t, err, "no armed webhook trigger")
	})

	t.Run("unknown workflow", func(t *testing.T) {
		m, _ := newHookMonitor(t)
		_, err := m.OnWebhook(context.Background(), "ghost", "", "tv-secret", nil)
		assert.ErrorContains(t, err, "unknown workflow")
	})
}
