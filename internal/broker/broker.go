// Package broker abstracts the broker / market-data API the engine calls
// for orders, lookups and alerts. The production implementation speaks
// broker REST; tests substitute fakes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// OrderRequest carries the fields brokers expect for order placement and
// modification.
type OrderRequest struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Action       string  `json:"action"` // BUY or SELL
	Quantity     int     `json:"quantity"`
	PriceType    string  `json:"pricetype"` // MARKET, LIMIT, SL, SL-M
	Product      string  `json:"product"`   // MIS, CNC, NRML
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
}

// OrderAck is the broker's acknowledgement. The ack is authoritative: the
// engine never assumes an order exists without one.
type OrderAck struct {
	Status  string `json:"status"`
	OrderID string `json:"orderid"`
	Message string `json:"message,omitempty"`
}

// Quote is a point-in-time market quote.
type Quote struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	LTP      float64 `json:"ltp"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Depth is the top-of-book market depth for a symbol.
type Depth struct {
	Symbol   string       `json:"symbol"`
	Exchange string       `json:"exchange"`
	Bids     []DepthLevel `json:"bids"`
	Asks     []DepthLevel `json:"asks"`
}

// Position is one open position from the position book.
type Position struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Product  string  `json:"product"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"average_price"`
	PnL      float64 `json:"pnl"`
}

// Funds is the account margin summary.
type Funds struct {
	AvailableCash float64 `json:"availablecash"`
	Collateral    float64 `json:"collateral"`
	UsedMargin    float64 `json:"utiliseddebits"`
}

// OrderStatus is the current state of a previously placed order.
type OrderStatus struct {
	OrderID        string  `json:"orderid"`
	Status         string  `json:"order_status"`
	FilledQuantity int     `json:"filled_quantity"`
	AveragePrice   float64 `json:"average_price"`
}

// OptionContract is one row of an option chain.
type OptionContract struct {
	Symbol     string  `json:"symbol"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"` // CE or PE
	LTP        float64 `json:"ltp"`
	OI         int64   `json:"oi"`
}

// Client is the broker-facing contract used by the action dispatcher, the
// condition evaluator's data path, and price-alert triggers.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (OrderAck, error)
	ClosePosition(ctx context.Context, symbol, exchange, product string) (OrderAck, error)

	Quote(ctx context.Context, symbol, exchange string) (Quote, error)
	Depth(ctx context.Context, symbol, exchange string) (Depth, error)
	Positions(ctx context.Context) ([]Position, error)
	Funds(ctx context.Context) (Funds, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	OptionChain(ctx context.Context, symbol, exchange, expiry string) ([]OptionContract, error)

	SendAlert(ctx context.Context, username, message string) error
}

// APIError is a non-2xx response from the broker API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether an error is worth retrying for idempotent
// lookups: network timeouts, rate limits, and server-side failures.
// Order placement is never retried regardless of this classification.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
