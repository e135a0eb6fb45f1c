// Package dispatch invokes external operations for action and data nodes:
// broker orders, market lookups, HTTP calls and alerts. It applies the
// timeout and retry policy, writes structured results into the execution's
// variable scope, and records per-node log entries.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/vars"
)

// ActionError is an external call that failed after the retry policy was
// exhausted. Branch-local for data and HTTP nodes; run-terminating for
// order actions unless the graph tolerates it downstream.
type ActionError struct {
	Node string
	Op   string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (node %s) failed: %v", e.Op, e.Node, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// HTTP node timeouts are user-configurable within these bounds.
const (
	minHTTPTimeout = 1 * time.Second
	maxHTTPTimeout = 60 * time.Second
)

// Dispatcher routes action and data nodes to the broker client or the HTTP
// transport.
type Dispatcher struct {
	Broker broker.Client
	Retry  Policy

	http *resty.Client
}

// New creates a dispatcher with the default retry policy.
func New(b broker.Client) *Dispatcher {
	return &Dispatcher{
		Broker: b,
		Retry:  DefaultPolicy,
		http:   resty.New(),
	}
}

// Close releases the HTTP transport.
func (d *Dispatcher) Close() error {
	if d.http != nil {
		return d.http.Close()
	}
	return nil
}

// Invoke executes one action or data node against the current scope.
// On success the structured response is written under the node's
// outputVariable (when declared) and a concise info entry is logged.
// The returned result is also handed back for gate/branch decisions.
func (d *Dispatcher) Invoke(ctx context.Context, node *graph.Node, scope *vars.Store, log *exlog.Log) (any, error) {
	var (
		result any
		err    error
	)

	switch node.Kind {
	case graph.KindGetQuote:
		result, err = lookup(ctx, d, node, scope, log, "quote", func() (broker.Quote, error) {
			return d.Broker.Quote(ctx, field(node, scope, "symbol"), field(node, scope, "exchange"))
		})
	case graph.KindGetDepth:
		result, err = lookup(ctx, d, node, scope, log, "depth", func() (broker.Depth, error) {
			return d.Broker.Depth(ctx, field(node, scope, "symbol"), field(node, scope, "exchange"))
		})
	case graph.KindGetPositions:
		result, err = lookup(ctx, d, node, scope, log, "positions", func() ([]broker.Position, error) {
			return d.Broker.Positions(ctx)
		})
	case graph.KindGetFunds:
		result, err = lookup(ctx, d, node, scope, log, "funds", func() (broker.Funds, error) {
			return d.Broker.Funds(ctx)
		})
	case graph.KindGetOrderStatus:
		result, err = lookup(ctx, d, node, scope, log, "order status", func() (broker.OrderStatus, error) {
			return d.Broker.OrderStatus(ctx, field(node, scope, "orderId"))
		})
	case graph.KindGetOptionChain:
		result, err = lookup(ctx, d, node, scope, log, "option chain", func() ([]broker.OptionContract, error) {
			return d.Broker.OptionChain(ctx, field(node, scope, "symbol"), field(node, scope, "exchange"), field(node, scope, "expiry"))
		})

	case graph.KindPlaceOrder, graph.KindModifyOrder, graph.KindCancelOrder,
		graph.KindClosePosition, graph.KindBasketOrder, graph.KindSplitOrder,
		graph.KindMultiLegOrder:
		result, err = d.invokeOrder(ctx, node, scope, log)

	case graph.KindHTTPRequest:
		result, err = d.httpRequest(ctx, node, scope, log)

	case graph.KindSendAlert:
		result, err = d.sendAlert(ctx, node, scope, log)

	case graph.KindLogMessage:
		level := strings.ToLower(node.ConfigString("level"))
		msg := scope.Interpolate(node.ConfigString("message"))
		switch level {
		case "warning", "warn":
			log.Warnf(node.ID, "%s", msg)
		case "error":
			log.Errorf(node.ID, "%s", msg)
		default:
			log.Infof(node.ID, "%s", msg)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("node %s: kind %s is not dispatchable", node.ID, node.Kind)
	}

	if err != nil {
		return nil, err
	}
	d.bindOutput(node, scope, result)
	return result, nil
}

// lookup wraps an idempotent data fetch with the retry policy and the
// standard result handling.
func lookup[T any](ctx context.Context, d *Dispatcher, node *graph.Node, scope *vars.Store, log *exlog.Log, what string, fn func() (T, error)) (any, error) {
	v, err := withRetry(ctx, d.Retry, fn)
	if err != nil {
		return nil, &ActionError{Node: node.ID, Op: what, Err: err}
	}
	log.Infof(node.ID, "fetched %s", what)
	return structure(v), nil
}

// httpRequest performs a generic HTTP call with a per-node timeout clamped
// to [1s, 60s]. Idempotent methods are retried on transient errors; others
// are attempted once.
func (d *Dispatcher) httpRequest(ctx context.Context, node *graph.Node, scope *vars.Store, log *exlog.Log) (any, error) {
	url := scope.Interpolate(node.ConfigString("url"))
	method := strings.ToUpper(node.ConfigString("method"))
	if method == "" {
		method = "GET"
	}

	timeout := 10 * time.Second
	if secs, ok := node.ConfigNumber("timeout"); ok {
		timeout = time.Duration(secs * float64(time.Second))
		if timeout < minHTTPTimeout {
			timeout = minHTTPTimeout
		}
		if timeout > maxHTTPTimeout {
			timeout = maxHTTPTimeout
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	do := func() (map[string]any, error) {
		req := d.http.R().SetContext(callCtx)
		if body := node.ConfigString("body"); body != "" {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(scope.Interpolate(body))
		}
		if headers, ok := node.Config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.SetHeader(k, scope.Interpolate(vars.Stringify(v)))
			}
		}
		res, err := req.Execute(method, url)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"status": float64(res.StatusCode()),
			"body":   res.String(),
		}
		var parsed any
		if json.Unmarshal(res.Bytes(), &parsed) == nil {
			out["json"] = parsed
		}
		return out, nil
	}

	var out map[string]any
	var err error
	if method == "GET" || method == "HEAD" {
		out, err = withRetry(callCtx, d.Retry, do)
	} else {
		out, err = do()
	}
	if err != nil {
		return nil, &ActionError{Node: node.ID, Op: method + " " + url, Err: err}
	}
	log.Infof(node.ID, "%s %s -> %v", method, url, out["status"])
	return out, nil
}

func (d *Dispatcher) sendAlert(ctx context.Context, node *graph.Node, scope *vars.Store, log *exlog.Log) (any, error) {
	username := scope.Interpolate(node.ConfigString("username"))
	message := scope.Interpolate(node.ConfigString("message"))
	if err := d.Broker.SendAlert(ctx, username, message); err != nil {
		return nil, &ActionError{Node: node.ID, Op: "sendAlert", Err: err}
	}
	log.Infof(node.ID, "alert sent to %s", username)
	return map[string]any{"status": "sent", "username": username}, nil
}

// bindOutput writes the structured result under the node's declared
// outputVariable, enabling downstream {{var.field}} access.
func (d *Dispatcher) bindOutput(node *graph.Node, scope *vars.Store, result any) {
	if name := node.ConfigString("outputVariable"); name != "" && result != nil {
		scope.Set(name, result)
	}
}

// field reads a templated string config value resolved against the scope.
func field(node *graph.Node, scope *vars.Store, key string) string {
	return scope.Interpolate(node.ConfigString(key))
}

// structure converts a typed broker response into the map/slice form the
// variable store can path into.
func structure(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
