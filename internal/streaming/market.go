package streaming

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectSchedule is the spec's literal backoff sequence; the last value
// repeats for any further attempt.
var reconnectSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func reconnectDelay(attempt int) time.Duration {
	if attempt < len(reconnectSchedule) {
		return reconnectSchedule[attempt]
	}
	return reconnectSchedule[len(reconnectSchedule)-1]
}

// MarketEvent is one deduped market-data update ready for the bus.
type MarketEvent struct {
	Instrument string
	Type       string // QUOTE, TRADE, DEPTH
	Data       any
	Timestamp  int64
}

// MarketHandler receives deduped market events.
type MarketHandler func(MarketEvent)

// MarketMetrics counts received/emitted/filtered events for the monitoring
// surface.
type MarketMetrics struct {
	Received int64
	Emitted  int64
	Filtered int64
}

// MarketHub is the gateway's connection to the broker's market-data hub.
type MarketHub struct {
	url     string
	tokenFn func(ctx context.Context) (string, error)
	handler MarketHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	contractIDs map[string]struct{}

	cache *quoteCache

	metricsMu sync.Mutex
	metrics   MarketMetrics

	onDisconnect func()
	onReconnect  func()

	stopCh chan struct{}
	once   sync.Once
}

// SetDisconnectHandler registers a callback invoked once a read failure is
// detected, before the reconnect loop starts.
func (h *MarketHub) SetDisconnectHandler(fn func()) { h.onDisconnect = fn }

// SetReconnectHandler registers a callback invoked once the connection is
// re-established and subscriptions are replayed.
func (h *MarketHub) SetReconnectHandler(fn func()) { h.onReconnect = fn }

// SetHandler (re)wires the callback that receives deduped market events,
// for callers that need to construct the hub before its consumer exists.
func (h *MarketHub) SetHandler(handler MarketHandler) { h.handler = handler }

// NewMarketHub creates a MarketHub. tokenFn supplies the bearer token used
// on the connect handshake.
func NewMarketHub(url string, tokenFn func(ctx context.Context) (string, error), handler MarketHandler) *MarketHub {
	return &MarketHub{
		url:         url,
		tokenFn:     tokenFn,
		handler:     handler,
		contractIDs: make(map[string]struct{}),
		cache:       newQuoteCache(),
		stopCh:      make(chan struct{}),
	}
}

// Start dials the hub and begins the read/reconnect loop.
func (h *MarketHub) Start(ctx context.Context) error {
	conn, err := h.dial(ctx)
	if err != nil {
		go h.reconnectLoop(ctx, 0)
		return err
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	go h.readLoop(ctx, conn)
	return nil
}

// Stop closes the connection and ends all background work.
func (h *MarketHub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
}

func (h *MarketHub) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := h.tokenFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("market hub: token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, header)
	if err != nil {
		return nil, fmt.Errorf("market hub: dial: %w", err)
	}
	if err := writeHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Subscribe adds contractIDs to the subscription set and, if connected,
// invokes the three subscription methods for each.
func (h *MarketHub) Subscribe(contractIDs []string) {
	h.mu.Lock()
	conn := h.conn
	for _, id := range contractIDs {
		h.contractIDs[id] = struct{}{}
	}
	h.mu.Unlock()

	if conn == nil {
		return
	}
	for _, id := range contractIDs {
		h.subscribeOne(conn, id)
	}
}

func (h *MarketHub) subscribeOne(conn *websocket.Conn, contractID string) {
	for _, target := range []string{"SubscribeContractQuotes", "SubscribeContractTrades", "SubscribeContractMarketDepth"} {
		if err := invoke(conn, target, contractID); err != nil {
			log.Printf("market hub: %s(%s): %v", target, contractID, err)
		}
	}
}

func (h *MarketHub) resubscribeAll(conn *websocket.Conn) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.contractIDs))
	for id := range h.contractIDs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	h.cache.clear()
	for _, id := range ids {
		h.subscribeOne(conn, id)
	}
}

func (h *MarketHub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("market hub: read error: %v", err)
			if h.onDisconnect != nil {
				h.onDisconnect()
			}
			go h.reconnectLoop(ctx, 0)
			return
		}
		for _, m := range splitFrames(raw) {
			h.dispatch(m)
		}
	}
}

func (h *MarketHub) dispatch(m hubMessage) {
	if m.Type != invocationType || m.Target == "" {
		return
	}
	h.metricsMu.Lock()
	h.metrics.Received++
	h.metricsMu.Unlock()

	switch m.Target {
	case "GatewayQuote":
		h.handleQuote(m.Arguments)
	case "GatewayTrade":
		h.handleTrade(m.Arguments)
	case "GatewayDepth":
		h.handleDepth(m.Arguments)
	}
}

func (h *MarketHub) emit(instrument, evType string, data any) {
	h.metricsMu.Lock()
	h.metrics.Emitted++
	h.metricsMu.Unlock()
	if h.handler != nil {
		h.handler(MarketEvent{Instrument: instrument, Type: evType, Data: data, Timestamp: time.Now().UnixMilli()})
	}
}

func (h *MarketHub) filtered() {
	h.metricsMu.Lock()
	h.metrics.Filtered++
	h.metricsMu.Unlock()
}

func (h *MarketHub) reconnectLoop(ctx context.Context, startAttempt int) {
	for attempt := startAttempt; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		default:
		}

		delay := reconnectDelay(attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-time.After(delay):
			}
		}

		conn, err := h.dial(ctx)
		if err != nil {
			log.Printf("market hub: reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}

		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		log.Printf("market hub: reconnected after %d attempt(s)", attempt+1)
		h.resubscribeAll(conn)
		go h.readLoop(ctx, conn)
		if h.onReconnect != nil {
			h.onReconnect()
		}
		return
	}
}

// Metrics returns a snapshot of received/emitted/filtered counters.
func (h *MarketHub) Metrics() MarketMetrics {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return h.metrics
}
