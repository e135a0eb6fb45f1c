// Package trigger watches trigger nodes and starts executions when they
// fire: cron-like schedules, polled price alerts with crossing detection,
// and synchronous webhook arrivals.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/ctxlog"
	"github.com/flowquant/flowquant/internal/graph"
)

// State is the lifecycle of one armed trigger.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateFired
	StateExpired
)

// Starter launches a new execution for a fired trigger. Implemented by the
// engine runner.
type Starter interface {
	Start(ctx context.Context, g *graph.Graph, trig *graph.Node, seed map[string]any) (string, error)
}

// QuoteSource supplies quotes for polled price alerts. broker.Client
// satisfies it.
type QuoteSource interface {
	Quote(ctx context.Context, symbol, exchange string) (broker.Quote, error)
}

// DefaultPollInterval is how often schedules and price alerts are checked.
const DefaultPollInterval = time.Second

// armed is one trigger node being watched.
type armed struct {
	workflow *graph.Graph
	node     *graph.Node
	state    State

	// schedule triggers
	sched    *schedule
	nextFire time.Time

	// price alerts
	lastPrice float64
	hasLast   bool
	expiresAt time.Time
	fireOnce  bool
}

// Monitor evaluates trigger nodes and starts executions through a Starter.
type Monitor struct {
	Poll   time.Duration
	Now    func() time.Time
	quotes QuoteSource
	start  Starter

	mu        sync.Mutex
	workflows map[string]*graph.Graph
	triggers  []*armed
}

// NewMonitor creates a monitor. quotes may be nil when no price-alert
// triggers are registered.
func NewMonitor(start Starter, quotes QuoteSource) *Monitor {
	return &Monitor{
		Poll:      DefaultPollInterval,
		Now:       time.Now,
		quotes:    quotes,
		start:     start,
		workflows: make(map[string]*graph.Graph),
	}
}

// Register arms every trigger node of a workflow. The graph is re-read by
// the caller before each Register, so edits between runs take effect on
// the next fire.
func (m *Monitor) Register(g *graph.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var added []*armed
	for _, node := range g.Triggers() {
		a := &armed{workflow: g, node: node, state: StateArmed}
		switch node.Kind {
		case graph.KindSchedule:
			sched, err := parseSchedule(node)
			if err != nil {
				return err
			}
			a.sched = sched
			a.nextFire = sched.next(now)
			if a.nextFire.IsZero() {
				a.state = StateExpired
			}

		case graph.KindPriceAlert:
			if m.quotes == nil {
				return fmt.Errorf("price alert %s: no quote source configured", node.ID)
			}
			a.fireOnce = strings.EqualFold(node.ConfigString("trigger"), "once")
			if raw := node.ConfigString("expiresAt"); raw != "" {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("price alert %s: bad expiresAt %q: %w", node.ID, raw, err)
				}
				a.expiresAt = t
			}

		case graph.KindWebhook:
			// Armed, but fired only via OnWebhook.

		default:
			return fmt.Errorf("trigger %s: unsupported trigger kind %s", node.ID, node.Kind)
		}
		added = append(added, a)
	}

	// Replace any previous registration of the same workflow.
	kept := m.triggers[:0]
	for _, a := range m.triggers {
		if a.workflow.ID != g.ID {
			kept = append(kept, a)
		}
	}
	m.triggers = append(kept, added...)
	m.workflows[g.ID] = g
	return nil
}

// Run polls armed triggers until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("trigger monitor started", "poll", m.Poll.String())

	ticker := time.NewTicker(m.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("trigger monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every armed trigger once.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	triggers := make([]*armed, len(m.triggers))
	copy(triggers, m.triggers)
	m.mu.Unlock()

	now := m.Now()
	for _, a := range triggers {
		if a.state != StateArmed {
			continue
		}
		switch a.node.Kind {
		case graph.KindSchedule:
			m.checkSchedule(ctx, a, now)
		case graph.KindPriceAlert:
			m.checkPriceAlert(ctx, a, now)
		}
	}
}

func (m *Monitor) checkSchedule(ctx context.Context, a *armed, now time.Time) {
	if a.nextFire.IsZero() || now.Before(a.nextFire) {
		return
	}
	m.fire(ctx, a, map[string]any{
		"trigger": map[string]any{
			"node":    a.node.ID,
			"type":    string(a.node.Kind),
			"firedAt": now.Format(time.RFC3339),
		},
	})
	next := a.sched.next(now)
	m.mu.Lock()
	if next.IsZero() {
		a.state = StateExpired // a spent "once" schedule disarms
	} else {
		a.nextFire = next
		a.state = StateArmed
	}
	m.mu.Unlock()
}

func (m *Monitor) checkPriceAlert(ctx context.Context, a *armed, now time.Time) {
	logger := ctxlog.FromContext(ctx)

	if !a.expiresAt.IsZero() && now.After(a.expiresAt) {
		m.mu.Lock()
		a.state = StateExpired
		m.mu.Unlock()
		logger.Info("price alert expired", "node", a.node.ID)
		return
	}

	symbol := a.node.ConfigString("symbol")
	exchange := a.node.ConfigString("exchange")
	q, err := m.quotes.Quote(ctx, symbol, exchange)
	if err != nil {
		logger.Warn("price alert quote fetch failed", "node", a.node.ID, "error", err)
		return
	}

	level, ok := a.node.ConfigNumber("value")
	if !ok {
		logger.Warn("price alert has non-numeric level", "node", a.node.ID)
		return
	}

	prev, hasPrev := a.lastPrice, a.hasLast
	a.lastPrice, a.hasLast = q.LTP, true

	if !shouldFire(a.node.ConfigString("condition"), prev, q.LTP, level, hasPrev) {
		return
	}

	m.fire(ctx, a, map[string]any{
		"trigger": map[string]any{
			"node":    a.node.ID,
			"type":    string(a.node.Kind),
			"firedAt": now.Format(time.RFC3339),
		},
		"symbol":   symbol,
		"exchange": exchange,
		"price":    q.LTP,
	})

	m.mu.Lock()
	if a.fireOnce {
		a.state = StateExpired
	} else {
		a.state = StateArmed
	}
	m.mu.Unlock()
}

// shouldFire evaluates a price-alert condition. Level conditions fire on
// the false-to-true transition (or on the first observation that already
// satisfies them); crossing conditions need a previous tick on the other
// side of the level, so the first observation never fires.
func shouldFire(condition string, prev, cur, level float64, hasPrev bool) bool {
	switch strings.ToLower(condition) {
	case "above":
		if !hasPrev {
			return cur > level
		}
		return prev <= level && cur > level
	case "below":
		if !hasPrev {
			return cur < level
		}
		return prev >= level && cur < level
	case "crosses_above":
		return hasPrev && prev <= level && cur > level
	case "crosses_below":
		return hasPrev && prev >= level && cur < level
	default:
		return false
	}
}

// fire starts an execution for a trigger. The trigger's own start failure
// is fatal for that fire, logged and dropped; the trigger re-arms.
func (m *Monitor) fire(ctx context.Context, a *armed, seed map[string]any) {
	logger := ctxlog.FromContext(ctx)
	m.mu.Lock()
	a.state = StateFired
	m.mu.Unlock()

	execID, err := m.start.Start(ctx, a.workflow, a.node, seed)
	if err != nil {
		logger.Error("trigger fire failed to start execution", "workflow", a.workflow.ID, "node", a.node.ID, "error", err)
		return
	}
	logger.Info("trigger fired", "workflow", a.workflow.ID, "node", a.node.ID, "execution", execID)
}

// OnWebhook starts an execution for an inbound webhook call. The secret
// must match the trigger node's bound secret; a symbol-bound trigger only
// matches calls carrying its symbol.
func (m *Monitor) OnWebhook(ctx context.Context, workflowID, symbol, secret string, payload map[string]any) (string, error) {
	m.mu.Lock()
	g, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("unknown workflow %q", workflowID)
	}
	var match *armed
	for _, a := range m.triggers {
		if a.workflow.ID != workflowID || a.node.Kind != graph.KindWebhook || a.state != StateArmed {
			continue
		}
		bound := a.node.ConfigString("symbol")
		if bound != "" && !strings.EqualFold(bound, symbol) {
			continue
		}
		match = a
		break
	}
	m.mu.Unlock()

	if match == nil {
		return "", fmt.Errorf("workflow %q has no armed webhook trigger for symbol %q", workflowID, symbol)
	}
	if match.node.ConfigString("secret") != secret {
		return "", fmt.Errorf("webhook secret mismatch for workflow %q", workflowID)
	}

	seed := map[string]any{
		"trigger": map[string]any{
			"node":    match.node.ID,
			"type":    string(graph.KindWebhook),
			"firedAt": m.Now().Format(time.RFC3339),
		},
		"webhook": payload,
	}
	if symbol != "" {
		seed["symbol"] = symbol
	}
	return m.start.Start(ctx, g, match.node, seed)
}

// States returns the current state per trigger node id, for observability.
func (m *Monitor) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.triggers))
	for _, a := range m.triggers {
		out[a.node.ID] = a.state
	}
	return out
}
