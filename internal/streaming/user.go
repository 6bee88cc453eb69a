package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const userHubLivenessTimeout = 5 * time.Minute

// UserEvent is one account-scoped update ready for the bus.
type UserEvent struct {
	Type string // ACCOUNT_UPDATE, POSITION_UPDATE, ORDER_FILLED, TRADE_EXECUTED
	Data any
}

// UserHandler receives user-hub events.
type UserHandler func(UserEvent)

// PositionUpdate is the POSITION_UPDATE payload shape.
type PositionUpdate struct {
	AccountID    string
	PositionID   string
	ContractID   string
	Side         string // LONG or SHORT
	Size         float64
	AveragePrice float64
}

// OrderFilled is the ORDER_FILLED payload shape.
type OrderFilled struct {
	AccountID   string
	OrderID     string
	ContractID  string
	Side        string
	FillVolume  float64
	FilledPrice float64
}

// TradeExecuted is the TRADE_EXECUTED payload shape.
type TradeExecuted struct {
	TradeID         string
	OrderID         string
	Size            float64
	Price           float64
	ProfitAndLoss   float64
	Fees            float64
}

// UserHub is the gateway's connection to the broker's user-data hub.
type UserHub struct {
	url     string
	tokenFn func(ctx context.Context) (string, error)
	handler UserHandler

	mu         sync.Mutex
	conn       *websocket.Conn
	accountIDs map[string]struct{}
	lastEvent  time.Time

	onDisconnect func()
	onReconnect  func()

	stopCh chan struct{}
	once   sync.Once
}

// SetDisconnectHandler registers a callback invoked once a read failure is
// detected, before the reconnect loop starts.
func (h *UserHub) SetDisconnectHandler(fn func()) { h.onDisconnect = fn }

// SetReconnectHandler registers a callback invoked once the connection is
// re-established and subscriptions are replayed.
func (h *UserHub) SetReconnectHandler(fn func()) { h.onReconnect = fn }

// SetHandler (re)wires the callback that receives user-hub events, for
// callers that need to construct the hub before its consumer exists.
func (h *UserHub) SetHandler(handler UserHandler) { h.handler = handler }

// NewUserHub creates a UserHub.
func NewUserHub(url string, tokenFn func(ctx context.Context) (string, error), handler UserHandler) *UserHub {
	return &UserHub{
		url:        url,
		tokenFn:    tokenFn,
		handler:    handler,
		accountIDs: make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start dials the hub and begins the read/reconnect/liveness loops.
func (h *UserHub) Start(ctx context.Context) error {
	conn, err := h.dial(ctx)
	if err != nil {
		go h.reconnectLoop(ctx, 0)
		return err
	}
	h.mu.Lock()
	h.conn = conn
	h.lastEvent = time.Now()
	h.mu.Unlock()
	go h.readLoop(ctx, conn)
	go h.livenessLoop(ctx)
	return nil
}

// Stop closes the connection and ends all background work.
func (h *UserHub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
}

func (h *UserHub) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := h.tokenFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("user hub: token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, header)
	if err != nil {
		return nil, fmt.Errorf("user hub: dial: %w", err)
	}
	if err := writeHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Subscribe adds accountIDs to the subscription set and, if connected,
// invokes the four subscription methods for each.
func (h *UserHub) Subscribe(accountIDs []string) {
	h.mu.Lock()
	conn := h.conn
	for _, id := range accountIDs {
		h.accountIDs[id] = struct{}{}
	}
	h.mu.Unlock()

	if conn == nil {
		return
	}
	for _, id := range accountIDs {
		h.subscribeOne(conn, id)
	}
}

func (h *UserHub) subscribeOne(conn *websocket.Conn, accountID string) {
	if err := invoke(conn, "SubscribeAccounts"); err != nil {
		log.Printf("user hub: SubscribeAccounts: %v", err)
	}
	for _, target := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if err := invoke(conn, target, accountID); err != nil {
			log.Printf("user hub: %s(%s): %v", target, accountID, err)
		}
	}
}

func (h *UserHub) resubscribeAll(conn *websocket.Conn) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.accountIDs))
	for id := range h.accountIDs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.subscribeOne(conn, id)
	}
}

func (h *UserHub) readLoop(ctx context.Context, conn *websocket.Conn) {
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
			log.Printf("user hub: read error: %v", err)
			if h.onDisconnect != nil {
				h.onDisconnect()
			}
			go h.reconnectLoop(ctx, 0)
			return
		}

		h.mu.Lock()
		h.lastEvent = time.Now()
		h.mu.Unlock()

		for _, m := range splitFrames(raw) {
			h.dispatch(m)
		}
	}
}

func (h *UserHub) dispatch(m hubMessage) {
	if m.Type != invocationType || m.Target == "" {
		return
	}
	switch m.Target {
	case "GatewayUserAccount":
		h.handleAccount(m.Arguments)
	case "GatewayUserPosition":
		h.handlePosition(m.Arguments)
	case "GatewayUserOrder":
		h.handleOrder(m.Arguments)
	case "GatewayUserTrade":
		h.handleTrade(m.Arguments)
	}
}

func (h *UserHub) emit(evType string, data any) {
	if h.handler != nil {
		h.handler(UserEvent{Type: evType, Data: data})
	}
}

func (h *UserHub) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	resubscribed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.Lock()
			idle := time.Since(h.lastEvent)
			conn := h.conn
			hasAccounts := len(h.accountIDs) > 0
			h.mu.Unlock()

			if idle < userHubLivenessTimeout || !hasAccounts || conn == nil {
				resubscribed = false
				continue
			}
			if resubscribed {
				continue
			}
			log.Printf("user hub: no events for %s, re-subscribing", idle.Round(time.Second))
			h.resubscribeAll(conn)
			resubscribed = true
		}
	}
}

func (h *UserHub) reconnectLoop(ctx context.Context, startAttempt int) {
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
			log.Printf("user hub: reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}

		h.mu.Lock()
		h.conn = conn
		h.lastEvent = time.Now()
		h.mu.Unlock()
		log.Printf("user hub: reconnected after %d attempt(s)", attempt+1)
		h.resubscribeAll(conn)
		go h.readLoop(ctx, conn)
		if h.onReconnect != nil {
			h.onReconnect()
		}
		return
	}
}

func (h *UserHub) handleAccount(args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(args[0], &payload); err != nil {
		return
	}
	h.emit("ACCOUNT_UPDATE", payload)
}

func (h *UserHub) handlePosition(args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(args[0], &payload); err != nil {
		return
	}

	side := "SHORT"
	if n, ok := toFloat(mustField(payload, "type")); ok && int(n) == 1 {
		side = "LONG"
	}
	size, _ := toFloat(mustField(payload, "size"))
	avgPrice, _ := toFloat(mustField(payload, "averagePrice", "avgPrice"))

	accountID, _ := mustField(payload, "accountId").(string)
	positionID, _ := mustField(payload, "id", "positionId").(string)
	contractID, _ := mustField(payload, "contractId").(string)

	h.emit("POSITION_UPDATE", PositionUpdate{
		AccountID:    accountID,
		PositionID:   positionID,
		ContractID:   contractID,
		Side:         side,
		Size:         size,
		AveragePrice: avgPrice,
	})
}

func (h *UserHub) handleOrder(args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(args[0], &payload); err != nil {
		return
	}

	status, _ := toFloat(mustField(payload, "status"))
	if int(status) != 2 {
		return
	}

	accountID, _ := mustField(payload, "accountId").(string)
	orderID, _ := mustField(payload, "id", "orderId").(string)
	contractID, _ := mustField(payload, "contractId").(string)
	side := decodeNumericSide(mustField(payload, "side"))
	fillVolume, _ := toFloat(mustField(payload, "fillVolume", "filledSize"))
	filledPrice, _ := toFloat(mustField(payload, "filledPrice", "avgFillPrice"))

	h.emit("ORDER_FILLED", OrderFilled{
		AccountID:   accountID,
		OrderID:     orderID,
		ContractID:  contractID,
		Side:        side,
		FillVolume:  fillVolume,
		FilledPrice: filledPrice,
	})
}

func (h *UserHub) handleTrade(args []json.RawMessage) {
	if len(args) < 1 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(args[0], &payload); err != nil {
		return
	}

	tradeID, _ := mustField(payload, "id", "tradeId").(string)
	orderID, _ := mustField(payload, "orderId").(string)
	size, _ := toFloat(mustField(payload, "size"))
	price, _ := toFloat(mustField(payload, "price"))
	pnl, _ := toFloat(mustField(payload, "profitAndLoss", "pnl"))
	fees, _ := toFloat(mustField(payload, "fees"))

	h.emit("TRADE_EXECUTED", TradeExecuted{
		TradeID:       tradeID,
		OrderID:       orderID,
		Size:          size,
		Price:         price,
		ProfitAndLoss: pnl,
		Fees:          fees,
	})
}

// decodeNumericSide decodes 0->BUY, 1->SELL.
func decodeNumericSide(v any) string {
	if n, ok := toFloat(v); ok {
		if int(n) == 1 {
			return "SELL"
		}
		return "BUY"
	}
	return ""
}
