// Package router is the gateway core: it subscribes to every inbound
// control channel, dispatches by request type through one table, and holds
// the connection state machine (CONNECTED / RECONNECTING / SHUTTING_DOWN).
// It holds handles to every other gateway collaborator but none of their
// state, so that each collaborator stays independently testable.
package router

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"gatewaycore/internal/bracket"
	"gatewaycore/internal/brokerauth"
	"gatewaycore/internal/brokerrest"
	"gatewaycore/internal/busadapter"
	"gatewaycore/internal/contracts"
	"gatewaycore/internal/namedlock"
	"gatewaycore/internal/reconcile"
	"gatewaycore/internal/registry"
	"gatewaycore/internal/streaming"
)

// State is the gateway's connection lifecycle state.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// fillProbeDelay is how long PLACE_ORDER waits before probing open
// positions and publishing a synthetic ORDER_FILLED for the order (the
// streams can lag the REST acknowledgement). The probe publishes even when
// the user hub has already reported the fill. Variable rather than const
// so tests can shrink it.
var fillProbeDelay = 3 * time.Second

// recoveryResyncWait is how long RESUME_TRADING waits after
// RECONCILIATION_REQUIRED so bots have a chance to resync first.
var recoveryResyncWait = 5 * time.Second

// request is the flattened superset of fields used across every inbound
// request type; individual handlers read only the fields relevant to them.
type request struct {
	RequestID  string `json:"requestId"`
	SlotID     string `json:"slotId"`
	AccountID  string `json:"accountId"`
	Instrument string `json:"instrument"`
	ContractID string `json:"contractId"`
	Strategy   string `json:"strategy"`

	OrderType        string   `json:"orderType"`
	Side             string   `json:"side"`
	Size             float64  `json:"size"`
	LimitPrice       float64  `json:"limitPrice"`
	StopPrice        float64  `json:"stopPrice"`
	StopLossPoints   *float64 `json:"stopLossPoints"`
	TakeProfitPoints *float64 `json:"takeProfitPoints"`
	StopLoss         *float64 `json:"stopLoss"`
	TakeProfit       *float64 `json:"takeProfit"`

	BrokerOrderID string `json:"brokerOrderId"`
	PositionID    string `json:"positionId"`

	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Unit       int    `json:"unit"`
	UnitNumber int    `json:"unitNumber"`
	BarLimit   int    `json:"barLimit"`

	OrderID    string  `json:"orderId"`
	EntryPrice float64 `json:"entryPrice"`
	Status     string  `json:"status"`

	Reason string `json:"reason"`
}

// response is the flattened outbound shape mirrored back on the response
// channels, carrying the original requestId/type for correlation.
type response struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Router wires every gateway collaborator together and is the sole
// consumer of the bus's inbound control channels.
type Router struct {
	bus       *busadapter.Adapter
	locks     *namedlock.Registry
	auth      *brokerauth.Client
	contracts *contracts.Cache
	bots      *registry.Registry
	market    *streaming.MarketHub
	user      *streaming.UserHub
	rest      *brokerrest.Client
	reconcile *reconcile.Service
	bracket   *bracket.Engine

	bracketMaxRetries int

	mu       sync.RWMutex
	state    State
	downHubs int

	// orderInstance remembers which slot placed a given broker order, so a
	// later ORDER_FILLED from the user hub can attribute the fill back to
	// its owning instance in the master ledger.
	orderInstanceMu sync.Mutex
	orderInstance   map[string]string

	handlers map[string]func(context.Context, string, request)
}

// New creates a Router. Collaborators must already be constructed; Router
// only coordinates them.
func New(
	bus *busadapter.Adapter,
	locks *namedlock.Registry,
	auth *brokerauth.Client,
	contractCache *contracts.Cache,
	bots *registry.Registry,
	market *streaming.MarketHub,
	user *streaming.UserHub,
	rest *brokerrest.Client,
	reconcileSvc *reconcile.Service,
	bracketEngine *bracket.Engine,
	bracketMaxRetries int,
) *Router {
	r := &Router{
		bus:               bus,
		locks:             locks,
		auth:              auth,
		contracts:         contractCache,
		bots:              bots,
		market:            market,
		user:              user,
		rest:              rest,
		reconcile:         reconcileSvc,
		bracket:           bracketEngine,
		bracketMaxRetries: bracketMaxRetries,
		state:             StateReconnecting,
		orderInstance:     make(map[string]string),
	}
	r.handlers = map[string]func(context.Context, string, request){
		"REGISTER_INSTANCE":       r.handleRegisterInstance,
		"DEREGISTER_INSTANCE":     r.handleDeregisterInstance,
		"SUBSCRIBE_MARKET_DATA":   r.handleSubscribeMarketData,
		"PLACE_ORDER":             r.handlePlaceOrder,
		"CANCEL_ORDER":            r.handleCancelOrder,
		"GET_POSITIONS":           r.handleRestForward,
		"GET_ACCOUNTS":            r.handleRestForward,
		"GET_CONTRACTS":           r.handleRestForward,
		"GET_ACTIVE_CONTRACTS":    r.handleRestForward,
		"GET_WORKING_ORDERS":      r.handleRestForward,
		"GET_STATISTICS":          r.handleRestForward,
		"GET_TRADES":              r.handleRestForward,
		"SEARCH_TRADES":           r.handleRestForward,
		"GET_ACCOUNT_SUMMARY":     r.handleRestForward,
		"CLOSE_POSITION":          r.handleRestForward,
		"UPDATE_SLTP":             r.handleRestForward,
		"REQUEST_HISTORICAL_DATA": r.handleHistoricalData,
		"REGISTER_ACCOUNT":        r.handleRegisterAccount,
		"POSITION_UPDATE":         r.handlePositionUpdate,
		"REQUEST_RECONCILIATION":  r.handleRequestReconciliation,
	}
	return r
}

// State returns the current connection lifecycle state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// rememberOrderInstance records which slot placed brokerOrderID, so a later
// ORDER_FILLED from the user hub can restore InstanceID on the master
// ledger entry that event overwrites.
func (r *Router) rememberOrderInstance(brokerOrderID, slotID string) {
	if brokerOrderID == "" || slotID == "" {
		return
	}
	r.orderInstanceMu.Lock()
	r.orderInstance[brokerOrderID] = slotID
	r.orderInstanceMu.Unlock()
}

// instanceForOrder looks up the slot that placed brokerOrderID, if any.
func (r *Router) instanceForOrder(brokerOrderID string) string {
	r.orderInstanceMu.Lock()
	defer r.orderInstanceMu.Unlock()
	return r.orderInstance[brokerOrderID]
}

// ListenControlChannels subscribes the dispatch table to every inbound
// control channel. Each channel is subscribed exactly once, with a single
// handler that looks up the request's type in the table — the "duplicate
// handler per type" anti-pattern this replaces would have registered one
// subscription per request type instead.
func (r *Router) ListenControlChannels(ctx context.Context) {
	for _, ch := range []string{
		busadapter.ChannelInstanceControl,
		busadapter.ChannelCMRequests,
		busadapter.ChannelAccountRequest,
		busadapter.ChannelOrderManagement,
	} {
		r.bus.Subscribe(ctx, ch, r.onEnvelope(ctx))
	}
}

func (r *Router) onEnvelope(ctx context.Context) busadapter.Handler {
	return func(env busadapter.Envelope) {
		handler, ok := r.handlers[env.Type]
		if !ok {
			return
		}
		var req request
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				log.Printf("router: malformed payload for %s: %v", env.Type, err)
				return
			}
		}
		handler(ctx, env.Type, req)
	}
}

func (r *Router) respond(channel string, reqID, reqType string, success bool, data any, errMsg string) {
	r.bus.Publish(reqType, response{RequestID: reqID, Type: reqType, Success: success, Error: errMsg, Data: data}, channel)
}
