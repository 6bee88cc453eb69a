package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"gatewaycore/internal/bracket"
	"gatewaycore/internal/brokerrest"
	"gatewaycore/internal/busadapter"
	"gatewaycore/internal/namedlock"
	"gatewaycore/internal/reconcile"
)

func (r *Router) handleRegisterInstance(ctx context.Context, _ string, req request) {
	err := r.bots.ValidateRegistration(req.SlotID, req.AccountID, req.Instrument, req.Strategy)
	if err != nil {
		r.respond(busadapter.ChannelInstanceControl, req.RequestID, "REGISTRATION_RESPONSE", false, nil, err.Error())
		return
	}

	if contractID, cErr := r.contracts.GetContractIDForInstrument(ctx, req.Instrument); cErr == nil {
		r.market.Subscribe([]string{contractID})
	} else {
		log.Printf("router: register %s: resolve contract for %s: %v", req.SlotID, req.Instrument, cErr)
	}

	r.respond(busadapter.ChannelInstanceControl, req.RequestID, "REGISTRATION_RESPONSE", true, map[string]string{"slotId": req.SlotID}, "")
}

func (r *Router) handleDeregisterInstance(ctx context.Context, _ string, req request) {
	if err := r.bots.Deregister(req.SlotID); err != nil {
		log.Printf("router: deregister %s: %v", req.SlotID, err)
	}
	// The market hub has no per-symbol unsubscribe; once nobody else trades
	// this instrument the quotes simply go unused rather than being torn
	// down, matching the hub's all-or-nothing subscription lifetime.
}

func (r *Router) handleSubscribeMarketData(ctx context.Context, _ string, req request) {
	contractID, err := r.contracts.GetContractIDForInstrument(ctx, req.Instrument)
	if err != nil {
		r.respond(busadapter.ChannelCMResponse, req.RequestID, "SUBSCRIBE_MARKET_DATA", false, nil, err.Error())
		return
	}
	r.market.Subscribe([]string{contractID})
	r.respond(busadapter.ChannelCMResponse, req.RequestID, "SUBSCRIBE_MARKET_DATA", true, map[string]string{"contractId": contractID}, "")
}

func (r *Router) handlePlaceOrder(ctx context.Context, _ string, req request) {
	lockName := fmt.Sprintf("cm_order_%s_%s", req.AccountID, req.OrderType)
	var brokerOrderID string
	var placeErr error

	err := r.locks.WithLock(ctx, lockName, req.RequestID, priorityForOrder(req), func() error {
		intent := brokerrest.OrderIntent{
			AccountID:  req.AccountID,
			ContractID: req.ContractID,
			OrderType:  req.OrderType,
			Side:       req.Side,
			Size:       req.Size,
			LimitPrice: req.LimitPrice,
			StopPrice:  req.StopPrice,
		}
		brokerOrderID, placeErr = r.rest.PlaceOrder(ctx, intent)
		return placeErr
	})
	if err != nil {
		r.respond(busadapter.ChannelOrderManagement, req.RequestID, "ORDER_RESPONSE", false, nil, err.Error())
		return
	}

	r.respond(busadapter.ChannelOrderManagement, req.RequestID, "ORDER_RESPONSE", true, map[string]string{"brokerOrderId": brokerOrderID}, "")

	r.rememberOrderInstance(brokerOrderID, req.SlotID)
	r.reconcile.SetMasterPosition(reconcile.MasterPosition{
		OrderID:    brokerOrderID,
		InstanceID: req.SlotID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Size:       req.Size,
		Status:     "PENDING",
	})

	if hasBracketIntent(req) {
		spec := bracket.Spec{
			StopPrice:        nonZero(req.StopPrice),
			LimitPrice:       nonZero(req.LimitPrice),
			StopLossPoints:   req.StopLossPoints,
			TakeProfitPoints: req.TakeProfitPoints,
		}
		r.bracket.Attach(ctx, spec, req.Side, req.SlotID, req.AccountID, req.Instrument, req.ContractID, brokerOrderID, r.bracketMaxRetries)
	}

	// The broker's own user-hub fill event usually beats this, but the
	// streams can lag the REST acknowledgement; this probe publishes a
	// synthetic ORDER_FILLED whenever the order's position is open by then.
	// It does not check for an earlier fill event, so the same orderId can
	// be reported twice.
	time.AfterFunc(fillProbeDelay, func() {
		r.probeFill(ctx, req.AccountID, brokerOrderID, req.ContractID, req.Side)
	})
}

func priorityForOrder(req request) namedlock.Priority {
	if req.OrderType == "MARKET" {
		return namedlock.PriorityHigh
	}
	return namedlock.PriorityNormal
}

func hasBracketIntent(req request) bool {
	return req.StopLossPoints != nil || req.TakeProfitPoints != nil || req.StopPrice != 0
}

func nonZero(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func (r *Router) probeFill(ctx context.Context, accountID, brokerOrderID, contractID, side string) {
	positions, err := r.rest.SearchOpenPositions(ctx, accountID)
	if err != nil {
		return
	}
	for _, p := range positions {
		if p.OpenOrderID == brokerOrderID || p.OrderID == brokerOrderID {
			r.bus.Publish("ORDER_FILLED", map[string]any{
				"accountId":   accountID,
				"orderId":     brokerOrderID,
				"contractId":  contractID,
				"side":        side,
				"fillVolume":  p.Size,
				"filledPrice": p.AveragePrice,
			})
			return
		}
	}
}

func (r *Router) handleCancelOrder(ctx context.Context, _ string, req request) {
	if req.BrokerOrderID == "" {
		r.respond(busadapter.ChannelOrderManagement, req.RequestID, "ORDER_CANCELLATION_RESPONSE", false, nil, "brokerOrderId is required")
		return
	}
	if err := r.rest.CancelOrder(ctx, req.BrokerOrderID); err != nil {
		r.respond(busadapter.ChannelOrderManagement, req.RequestID, "ORDER_CANCELLATION_RESPONSE", false, nil, err.Error())
		return
	}
	r.respond(busadapter.ChannelOrderManagement, req.RequestID, "ORDER_CANCELLATION_RESPONSE", true, nil, "")
}

// handleRestForward covers every request type that is a thin pass-through
// to the REST facade. All of these respond on connection-manager:response
// carrying the original requestId and type.
func (r *Router) handleRestForward(ctx context.Context, reqType string, req request) {
	var data any
	var err error

	switch reqType {
	case "GET_POSITIONS":
		data, err = r.rest.SearchPositions(ctx, req.AccountID)
	case "GET_ACCOUNTS":
		data, err = r.rest.FetchAccounts(ctx, false)
	case "GET_CONTRACTS":
		data, err = r.rest.FetchContractsAvailable(ctx, false)
	case "GET_ACTIVE_CONTRACTS":
		data, err = r.rest.FetchContractsAvailable(ctx, true)
	case "GET_WORKING_ORDERS":
		data, err = r.rest.SearchOpenOrders(ctx, req.AccountID)
	case "GET_STATISTICS":
		data, err = r.aggregateStatistics(ctx, req)
	case "GET_TRADES":
		data, err = r.rest.SearchTrades(ctx, brokerrest.TradeSearchParams{AccountID: req.AccountID})
	case "SEARCH_TRADES":
		data, err = r.rest.SearchTrades(ctx, brokerrest.TradeSearchParams{
			AccountID: req.AccountID, ContractID: req.ContractID,
			StartTime: req.StartTime, EndTime: req.EndTime,
		})
	case "GET_ACCOUNT_SUMMARY":
		data, err = r.accountSummary(ctx, req.AccountID)
	case "CLOSE_POSITION":
		err = r.rest.ClosePosition(ctx, req.AccountID, req.ContractID, nonZero(req.Size))
	case "UPDATE_SLTP":
		err = r.rest.EditStopLossAccount(ctx, req.PositionID, req.StopLoss, req.TakeProfit)
	default:
		return
	}

	if err != nil {
		r.respond(busadapter.ChannelCMResponse, req.RequestID, reqType, false, nil, err.Error())
		return
	}
	r.respond(busadapter.ChannelCMResponse, req.RequestID, reqType, true, data, "")
}

func (r *Router) accountSummary(ctx context.Context, accountID string) (any, error) {
	accounts, err := r.rest.FetchAccounts(ctx, false)
	if err != nil {
		return nil, err
	}
	var account *brokerrest.Account
	for i := range accounts {
		if accounts[i].ID == accountID {
			account = &accounts[i]
			break
		}
	}
	today, err := r.rest.TodayStats(ctx, accountID)
	if err != nil {
		return nil, err
	}
	lifetime, err := r.rest.LifetimeStats(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account": account, "today": today, "lifetime": lifetime}, nil
}

func (r *Router) handleHistoricalData(ctx context.Context, _ string, req request) {
	bars, err := r.rest.FetchHistoryBars(ctx, brokerrest.HistoryParams{
		ContractID: req.ContractID,
		Unit:       req.Unit,
		UnitNumber: req.UnitNumber,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Limit:      req.BarLimit,
	})
	if err != nil {
		r.respond(busadapter.ChannelHistoricalResponse, req.RequestID, "HISTORICAL_DATA_RESPONSE", false, nil, err.Error())
		return
	}
	r.respond(busadapter.ChannelHistoricalResponse, req.RequestID, "HISTORICAL_DATA_RESPONSE", true, bars, "")
}

func (r *Router) handleRegisterAccount(ctx context.Context, _ string, req request) {
	r.user.Subscribe([]string{req.AccountID})
}

func (r *Router) handlePositionUpdate(ctx context.Context, _ string, req request) {
	r.reconcile.SetInstancePosition(reconcile.InstancePosition{
		OrderID:    req.OrderID,
		InstanceID: req.SlotID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		Status:     req.Status,
	})
	// Rebroadcast so every other connected instance observes this update;
	// POSITION_UPDATE's default channel is market:data, the channel bots
	// already subscribe to for cross-instance position visibility.
	r.bus.Publish("POSITION_UPDATE", map[string]any{
		"orderId":    req.OrderID,
		"instanceId": req.SlotID,
		"instrument": req.Instrument,
		"side":       req.Side,
		"size":       req.Size,
		"entryPrice": req.EntryPrice,
		"status":     req.Status,
	})
}

func (r *Router) handleRequestReconciliation(ctx context.Context, _ string, req request) {
	summary := r.reconcile.Reconcile()
	r.respond(busadapter.ChannelCMResponse, req.RequestID, "RECONCILIATION_RESPONSE", true, summary, "")
}
