package dispatch

import (
	"context"
	"fmt"

	"github.com/flowquant/flowquant/internal/broker"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/vars"
)

// invokeOrder routes order-management nodes. Single-order actions fail the
// branch immediately on error; multi-order actions continue issuing the
// remaining legs and report per-leg outcomes.
func (d *Dispatcher) invokeOrder(ctx context.Context, node *graph.Node, scope *vars.Store, log *exlog.Log) (any, error) {
	switch node.Kind {
	case graph.KindPlaceOrder:
		req, err := orderFromConfig(node.Config, scope)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "placeOrder", Err: err}
		}
		ack, err := d.Broker.PlaceOrder(ctx, req)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "placeOrder", Err: err}
		}
		log.Infof(node.ID, "order placed: %s %d %s -> %s", req.Action, req.Quantity, req.Symbol, ack.OrderID)
		return structure(ack), nil

	case graph.KindModifyOrder:
		orderID := field(node, scope, "orderId")
		req, err := orderFromConfig(node.Config, scope)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "modifyOrder", Err: err}
		}
		ack, err := d.Broker.ModifyOrder(ctx, orderID, req)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "modifyOrder", Err: err}
		}
		log.Infof(node.ID, "order %s modified", orderID)
		return structure(ack), nil

	case graph.KindCancelOrder:
		orderID := field(node, scope, "orderId")
		ack, err := d.Broker.CancelOrder(ctx, orderID)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "cancelOrder", Err: err}
		}
		log.Infof(node.ID, "order %s cancelled", orderID)
		return structure(ack), nil

	case graph.KindClosePosition:
		symbol := field(node, scope, "symbol")
		exchange := field(node, scope, "exchange")
		product := node.ConfigString("product")
		ack, err := d.Broker.ClosePosition(ctx, symbol, exchange, product)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "closePosition", Err: err}
		}
		log.Infof(node.ID, "position closed: %s:%s", exchange, symbol)
		return structure(ack), nil

	case graph.KindBasketOrder:
		legs, err := legsFromConfig(node.Config["orders"], scope)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "basketOrder", Err: err}
		}
		return d.placeLegs(ctx, node, log, "basket", legs), nil

	case graph.KindMultiLegOrder:
		legs, err := legsFromConfig(node.Config["legs"], scope)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "multiLegOrder", Err: err}
		}
		return d.placeLegs(ctx, node, log, "multi-leg", legs), nil

	case graph.KindSplitOrder:
		legs, err := splitLegs(node, scope)
		if err != nil {
			return nil, &ActionError{Node: node.ID, Op: "splitOrder", Err: err}
		}
		return d.placeLegs(ctx, node, log, "split", legs), nil
	}

	return nil, fmt.Errorf("node %s: kind %s is not an order action", node.ID, node.Kind)
}

// placeLegs issues an ordered list of sub-orders. A leg failure does not
// stop the remaining legs; the caller's branch sees the full results array
// rather than an aborted run.
func (d *Dispatcher) placeLegs(ctx context.Context, node *graph.Node, log *exlog.Log, what string, legs []broker.OrderRequest) any {
	results := make([]any, 0, len(legs))
	failed := 0

	for i, leg := range legs {
		ack, err := d.Broker.PlaceOrder(ctx, leg)
		if err != nil {
			failed++
			log.Errorf(node.ID, "%s leg %d/%d failed: %s %d %s: %v", what, i+1, len(legs), leg.Action, leg.Quantity, leg.Symbol, err)
			results = append(results, map[string]any{
				"symbol":  leg.Symbol,
				"success": false,
				"error":   err.Error(),
			})
			continue
		}
		log.Infof(node.ID, "%s leg %d/%d placed: %s %d %s -> %s", what, i+1, len(legs), leg.Action, leg.Quantity, leg.Symbol, ack.OrderID)
		results = append(results, map[string]any{
			"symbol":  leg.Symbol,
			"success": true,
			"orderid": ack.OrderID,
		})
	}

	log.Infof(node.ID, "%s order complete: %d/%d legs placed", what, len(legs)-failed, len(legs))
	return map[string]any{
		"results": results,
		"total":   float64(len(legs)),
		"failed":  float64(failed),
	}
}

// orderFromConfig builds an order request from a node config or basket leg
// map, interpolating templated string fields.
func orderFromConfig(cfg map[string]any, scope *vars.Store) (broker.OrderRequest, error) {
	str := func(key string) string {
		s, _ := cfg[key].(string)
		if scope != nil {
			s = scope.Interpolate(s)
		}
		return s
	}
	num := func(key string) (float64, error) {
		raw, ok := cfg[key]
		if !ok {
			return 0, nil
		}
		if s, isStr := raw.(string); isStr && scope != nil {
			raw = scope.Interpolate(s)
		}
		return vars.Number(raw)
	}

	qty, err := num("quantity")
	if err != nil {
		return broker.OrderRequest{}, fmt.Errorf("quantity: %w", err)
	}
	if qty <= 0 {
		return broker.OrderRequest{}, fmt.Errorf("quantity must be positive, got %v", qty)
	}
	price, err := num("price")
	if err != nil {
		return broker.OrderRequest{}, fmt.Errorf("price: %w", err)
	}
	trigger, err := num("triggerPrice")
	if err != nil {
		return broker.OrderRequest{}, fmt.Errorf("triggerPrice: %w", err)
	}

	return broker.OrderRequest{
		Symbol:       str("symbol"),
		Exchange:     str("exchange"),
		Action:       str("action"),
		Quantity:     int(qty),
		PriceType:    str("pricetype"),
		Product:      str("product"),
		Price:        price,
		TriggerPrice: trigger,
	}, nil
}

// legsFromConfig decodes a basket/multi-leg order list.
func legsFromConfig(raw any, scope *vars.Store) ([]broker.OrderRequest, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("order list is empty or not a list")
	}
	legs := make([]broker.OrderRequest, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("leg %d is not an object", i+1)
		}
		leg, err := orderFromConfig(m, scope)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i+1, err)
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

// splitLegs decomposes one large order into splitSize-bounded sub-orders;
// quantity 130 with splitSize 50 yields legs of 50, 50 and 30.
func splitLegs(node *graph.Node, scope *vars.Store) ([]broker.OrderRequest, error) {
	base, err := orderFromConfig(node.Config, scope)
	if err != nil {
		return nil, err
	}
	sizeF, ok := node.ConfigNumber("splitSize")
	if !ok || sizeF <= 0 {
		return nil, fmt.Errorf("splitSize must be a positive number")
	}
	size := int(sizeF)

	var legs []broker.OrderRequest
	for remaining := base.Quantity; remaining > 0; remaining -= size {
		leg := base
		leg.Quantity = size
		if remaining < size {
			leg.Quantity = remaining
		}
		legs = append(legs, leg)
	}
	return legs, nil
}
