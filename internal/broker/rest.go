package broker

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

// DefaultTimeout bounds every broker call that does not carry its own
// configured timeout.
const DefaultTimeout = 10 * time.Second

// RESTClient implements Client against a broker REST gateway with API-key
// authentication and JSON bodies.
type RESTClient struct {
	http   *resty.Client
	apiKey string
}

// NewREST creates a REST-backed broker client.
func NewREST(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &RESTClient{http: c, apiKey: apiKey}
}

// Close releases the underlying HTTP client.
func (c *RESTClient) Close() error {
	return c.http.Close()
}

// apiResponse is the broker's standard envelope.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// post sends a JSON request with the API key injected and decodes the
// response into out. Non-2xx responses become *APIError so the retry policy
// can classify them.
func (c *RESTClient) post(ctx context.Context, path string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["apikey"] = c.apiKey

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if res.IsError() {
		return &APIError{StatusCode: res.StatusCode(), Message: res.String()}
	}
	return nil
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var ack OrderAck
	body := map[string]any{
		"symbol":    req.Symbol,
		"exchange":  req.Exchange,
		"action":    req.Action,
		"quantity":  req.Quantity,
		"pricetype": req.PriceType,
		"product":   req.Product,
	}
	if req.Price != 0 {
		body["price"] = req.Price
	}
	if req.TriggerPrice != 0 {
		body["trigger_price"] = req.TriggerPrice
	}
	if err := c.post(ctx, "/api/v1/placeorder", body, &ack); err != nil {
		return OrderAck{}, err
	}
	return ack, ackError(ack)
}

func (c *RESTClient) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (OrderAck, error) {
	var ack OrderAck
	body := map[string]any{
		"orderid":   orderID,
		"symbol":    req.Symbol,
		"exchange":  req.Exchange,
		"action":    req.Action,
		"quantity":  req.Quantity,
		"pricetype": req.PriceType,
		"product":   req.Product,
		"price":     req.Price,
	}
	if err := c.post(ctx, "/api/v1/modifyorder", body, &ack); err != nil {
		return OrderAck{}, err
	}
	return ack, ackError(ack)
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) (OrderAck, error) {
	var ack OrderAck
	if err := c.post(ctx, "/api/v1/cancelorder", map[string]any{"orderid": orderID}, &ack); err != nil {
		return OrderAck{}, err
	}
	return ack, ackError(ack)
}

func (c *RESTClient) ClosePosition(ctx context.Context, symbol, exchange, product string) (OrderAck, error) {
	var ack OrderAck
	body := map[string]any{"symbol": symbol, "exchange": exchange}
	if product != "" {
		body["product"] = product
	}
	if err := c.post(ctx, "/api/v1/closeposition", body, &ack); err != nil {
		return OrderAck{}, err
	}
	return ack, ackError(ack)
}

func (c *RESTClient) Quote(ctx context.Context, symbol, exchange string) (Quote, error) {
	var resp struct {
		apiResponse
		Data Quote `json:"data"`
	}
	body := map[string]any{"symbol": symbol, "exchange": exchange}
	if err := c.post(ctx, "/api/v1/quotes", body, &resp); err != nil {
		return Quote{}, err
	}
	resp.Data.Symbol = symbol
	resp.Data.Exchange = exchange
	return resp.Data, nil
}

func (c *RESTClient) Depth(ctx context.Context, symbol, exchange string) (Depth, error) {
	var resp struct {
		apiResponse
		Data Depth `json:"data"`
	}
	body := map[string]any{"symbol": symbol, "exchange": exchange}
	if err := c.post(ctx, "/api/v1/depth", body, &resp); err != nil {
		return Depth{}, err
	}
	resp.Data.Symbol = symbol
	resp.Data.Exchange = exchange
	return resp.Data, nil
}

func (c *RESTClient) Positions(ctx context.Context) ([]Position, error) {
	var resp struct {
		apiResponse
		Data []Position `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/positionbook", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *RESTClient) Funds(ctx context.Context) (Funds, error) {
	var resp struct {
		apiResponse
		Data Funds `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/funds", nil, &resp); err != nil {
		return Funds{}, err
	}
	return resp.Data, nil
}

func (c *RESTClient) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var resp struct {
		apiResponse
		Data OrderStatus `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/orderstatus", map[string]any{"orderid": orderID}, &resp); err != nil {
		return OrderStatus{}, err
	}
	return resp.Data, nil
}

func (c *RESTClient) OptionChain(ctx context.Context, symbol, exchange, expiry string) ([]OptionContract, error) {
	var resp struct {
		apiResponse
		Data []OptionContract `json:"data"`
	}
	body := map[string]any{"symbol": symbol, "exchange": exchange, "expiry": expiry}
	if err := c.post(ctx, "/api/v1/optionchain", body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *RESTClient) SendAlert(ctx context.Context, username, message string) error {
	var resp apiResponse
	body := map[string]any{"username": username, "message": message}
	if err := c.post(ctx, "/api/v1/alert", body, &resp); err != nil {
		return err
	}
	if resp.Status == "error" {
		return fmt.Errorf("alert rejected: %s", resp.Message)
	}
	return nil
}

// ackError converts a broker-level rejection (HTTP 200 with status=error)
// into an error so callers have a single failure path.
func ackError(ack OrderAck) error {
	if ack.Status == "error" {
		return fmt.Errorf("order rejected: %s", ack.Message)
	}
	return nil
}
