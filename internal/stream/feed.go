package stream

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// SocketFeed implements Feed over the market-feed gateway's socket.io
// endpoint. It emits subscribe/unsubscribe events and forwards inbound
// tick events to OnTick. Active subscriptions are replayed on reconnect.
type SocketFeed struct {
	// OnTick receives every parsed inbound tick. Set before Connect.
	OnTick func(Tick)

	urlStr    string
	manager   *socket.Manager
	io        *socket.Socket
	connected atomic.Bool

	mu     sync.Mutex
	active map[Key]struct{}
}

// NewSocketFeed creates a feed client for the given gateway URL.
func NewSocketFeed(gatewayURL string) *SocketFeed {
	return &SocketFeed{
		urlStr: gatewayURL,
		active: make(map[Key]struct{}),
	}
}

// Connect establishes the socket.io session and wires event handlers.
func (f *SocketFeed) Connect() error {
	parsed, err := url.Parse(f.urlStr)
	if err != nil {
		return fmt.Errorf("parse feed url: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	opts := socket.DefaultOptions()
	if parsed.Path != "" {
		opts.SetPath(parsed.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	f.manager = socket.NewManager(baseURL, opts)
	f.io = f.manager.Socket("/", opts)

	logger := slog.Default()

	f.io.On(types.EventName("connect"), func(...any) {
		f.connected.Store(true)
		logger.Info("market feed connected", "url", baseURL, "sid", f.io.Id())
		f.mu.Lock()
		keys := make([]Key, 0, len(f.active))
		for k := range f.active {
			keys = append(keys, k)
		}
		f.mu.Unlock()
		for _, k := range keys {
			f.emitSubscribe(k)
		}
	})

	f.io.On(types.EventName("disconnect"), func(...any) {
		f.connected.Store(false)
		logger.Warn("market feed disconnected", "url", baseURL)
	})

	f.io.On(types.EventName("market_data"), func(data ...any) {
		if len(data) == 0 {
			return
		}
		tick, ok := parseTick(data[0])
		if !ok {
			logger.Warn("unparseable tick payload dropped")
			return
		}
		if f.OnTick != nil {
			f.OnTick(tick)
		}
	})

	f.io.Connect()
	return nil
}

// Close disconnects the session.
func (f *SocketFeed) Close() {
	if f.io != nil {
		f.io.Disconnect()
	}
}

// Subscribe implements Feed. Registration is recorded even while
// disconnected so reconnects replay it.
func (f *SocketFeed) Subscribe(key Key) error {
	f.mu.Lock()
	f.active[key] = struct{}{}
	f.mu.Unlock()

	if f.connected.Load() {
		f.emitSubscribe(key)
	}
	return nil
}

// Unsubscribe implements Feed.
func (f *SocketFeed) Unsubscribe(key Key) error {
	f.mu.Lock()
	delete(f.active, key)
	f.mu.Unlock()

	if f.connected.Load() {
		f.io.Emit("unsubscribe", map[string]any{
			"symbol":   key.Symbol,
			"exchange": key.Exchange,
			"mode":     string(key.Kind),
		})
	}
	return nil
}

func (f *SocketFeed) emitSubscribe(key Key) {
	f.io.Emit("subscribe", map[string]any{
		"symbol":   key.Symbol,
		"exchange": key.Exchange,
		"mode":     string(key.Kind),
	})
}

// parseTick decodes a gateway tick event:
// {symbol, exchange, mode, data: {ltp} | {ltp,open,high,low,close} |
// {bids:[{price,quantity}...], asks:[...]}}.
func parseTick(payload any) (Tick, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return Tick{}, false
	}
	symbol, _ := m["symbol"].(string)
	exchange, _ := m["exchange"].(string)
	mode, _ := m["mode"].(string)
	if symbol == "" || mode == "" {
		return Tick{}, false
	}
	data, _ := m["data"].(map[string]any)
	if data == nil {
		return Tick{}, false
	}
	return Tick{
		Key:  Key{Symbol: symbol, Exchange: exchange, Kind: Kind(mode)},
		Data: data,
		At:   time.Now(),
	}, true
}
