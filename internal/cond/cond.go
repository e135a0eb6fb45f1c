// Package cond evaluates condition nodes: pure predicates over the current
// variable scope and freshly fetched broker data. Gate combination logic
// (AND/OR/NOT over input edges) also lives here; the orchestrator feeds
// gates the boolean outcomes of their predecessor nodes.
package cond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/expr"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/vars"
)

// DataSource is the slice of the broker API conditions consult.
// broker.Client satisfies it.
type DataSource interface {
	Quote(ctx context.Context, symbol, exchange string) (broker.Quote, error)
	Positions(ctx context.Context) ([]broker.Position, error)
	Funds(ctx context.Context) (broker.Funds, error)
}

// Evaluator evaluates condition nodes. Now is injectable so time-window
// tests do not depend on the wall clock.
type Evaluator struct {
	Data DataSource
	Now  func() time.Time
}

// New creates an evaluator over the given data source using wall-clock time.
func New(data DataSource) *Evaluator {
	return &Evaluator{Data: data, Now: time.Now}
}

// Evaluate runs the predicate for one condition node against the current
// scope. Failures are EvaluationErrors: branch-local, logged, descendants
// pruned.
func (e *Evaluator) Evaluate(ctx context.Context, node *graph.Node, scope *vars.Store) (bool, error) {
	switch node.Kind {
	case graph.KindTimeCondition:
		return e.timeCondition(node)
	case graph.KindPriceCondition:
		return e.priceCondition(ctx, node, scope)
	case graph.KindPositionCondition:
		return e.positionCondition(ctx, node, scope)
	case graph.KindFundCheck:
		return e.fundCheck(ctx, node, scope)
	default:
		return false, fmt.Errorf("node %s: kind %s is not a condition", node.ID, node.Kind)
	}
}

// timeCondition checks whether the current trading-local time falls inside
// the configured [start, end] window, optionally restricted to days of the
// week.
func (e *Evaluator) timeCondition(node *graph.Node) (bool, error) {
	now := e.Now()

	start, err := parseClock(node.ConfigString("start"))
	if err != nil {
		return false, &expr.EvaluationError{Expr: node.ConfigString("start"), Msg: "bad start time: " + err.Error()}
	}
	end, err := parseClock(node.ConfigString("end"))
	if err != nil {
		return false, &expr.EvaluationError{Expr: node.ConfigString("end"), Msg: "bad end time: " + err.Error()}
	}

	if days, ok := node.Config["days"].([]any); ok && len(days) > 0 {
		if !dayMatches(now.Weekday(), days) {
			return false, nil
		}
	}

	minuteOfDay := now.Hour()*60 + now.Minute()
	return minuteOfDay >= start && minuteOfDay <= end, nil
}

// priceCondition fetches a fresh quote and compares the configured field
// against the configured value.
func (e *Evaluator) priceCondition(ctx context.Context, node *graph.Node, scope *vars.Store) (bool, error) {
	symbol := scope.Interpolate(node.ConfigString("symbol"))
	exchange := scope.Interpolate(node.ConfigString("exchange"))

	q, err := e.Data.Quote(ctx, symbol, exchange)
	if err != nil {
		return false, fmt.Errorf("fetch quote for %s:%s: %w", exchange, symbol, err)
	}

	field := node.ConfigString("field")
	var actual float64
	switch strings.ToLower(field) {
	case "", "ltp":
		actual = q.LTP
	case "open":
		actual = q.Open
	case "high":
		actual = q.High
	case "low":
		actual = q.Low
	case "close":
		actual = q.Close
	default:
		return false, &expr.EvaluationError{Expr: field, Msg: "unknown quote field"}
	}

	want, err := numberConfig(node, "value", scope)
	if err != nil {
		return false, err
	}
	return Compare(node.ConfigString("operator"), actual, want)
}

// positionCondition compares the net quantity of a position against the
// configured threshold. A symbol with no open position compares as zero.
func (e *Evaluator) positionCondition(ctx context.Context, node *graph.Node, scope *vars.Store) (bool, error) {
	symbol := scope.Interpolate(node.ConfigString("symbol"))
	exchange := scope.Interpolate(node.ConfigString("exchange"))
	product := node.ConfigString("product")

	positions, err := e.Data.Positions(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch positions: %w", err)
	}

	var qty float64
	for _, p := range positions {
		if p.Symbol != symbol || p.Exchange != exchange {
			continue
		}
		if product != "" && p.Product != product {
			continue
		}
		qty += float64(p.Quantity)
	}

	want, err := numberConfig(node, "quantity", scope)
	if err != nil {
		return false, err
	}
	return Compare(node.ConfigString("operator"), qty, want)
}

// fundCheck verifies available cash covers the configured minimum.
func (e *Evaluator) fundCheck(ctx context.Context, node *graph.Node, scope *vars.Store) (bool, error) {
	funds, err := e.Data.Funds(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch funds: %w", err)
	}
	min, err := numberConfig(node, "minAvailable", scope)
	if err != nil {
		return false, err
	}
	return funds.AvailableCash >= min, nil
}

// Compare applies a comparison operator. "above"/"below" are editor
// aliases for > and <.
func Compare(op string, a, b float64) (bool, error) {
	switch op {
	case ">", "above":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "<", "below":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case "==", "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	default:
		return false, &expr.EvaluationError{Expr: op, Msg: "unknown comparison operator"}
	}
}

// numberConfig resolves a config value that may be a literal number or a
// templated string, coercing to float64. Non-coercible values are
// EvaluationErrors per the numeric coercion rule.
func numberConfig(node *graph.Node, key string, scope *vars.Store) (float64, error) {
	raw, ok := node.Config[key]
	if !ok {
		return 0, &expr.EvaluationError{Expr: key, Msg: "missing config value"}
	}
	if s, isStr := raw.(string); isStr && scope != nil {
		raw = scope.Interpolate(s)
	}
	f, err := vars.Number(raw)
	if err != nil {
		return 0, &expr.EvaluationError{Expr: fmt.Sprintf("%v", raw), Msg: err.Error()}
	}
	return f, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dayMatches(day time.Weekday, days []any) bool {
	for _, d := range days {
		s, _ := d.(string)
		if strings.EqualFold(strings.TrimSpace(s), day.String()) ||
			strings.EqualFold(strings.TrimSpace(s), day.String()[:3]) {
			return true
		}
	}
	return false
}
