package router

import (
	"gatewaycore/internal/reconcile"
	"gatewaycore/internal/streaming"
)

// HandleMarketEvent republishes a deduped market event onto market:data.
// Wired as the MarketHub's handler via SetHandler once the Router exists.
func (r *Router) HandleMarketEvent(ev streaming.MarketEvent) {
	r.bus.Publish(ev.Type, map[string]any{
		"instrument": ev.Instrument,
		"type":       ev.Type,
		"data":       ev.Data,
		"timestamp":  ev.Timestamp,
	})
}

// HandleUserEvent republishes a user-hub event onto the bus and, for
// ORDER_FILLED, records the fill in the authoritative master ledger — per
// the invariant that master/instance position mutation is confined to
// reconcile.Service and Router.
func (r *Router) HandleUserEvent(ev streaming.UserEvent) {
	r.bus.Publish(ev.Type, ev.Data)

	filled, ok := ev.Data.(streaming.OrderFilled)
	if !ok {
		return
	}
	r.reconcile.SetMasterPosition(reconcile.MasterPosition{
		OrderID:    filled.OrderID,
		InstanceID: r.instanceForOrder(filled.OrderID),
		Instrument: filled.ContractID,
		Side:       filled.Side,
		Size:       filled.FillVolume,
		EntryPrice: filled.FilledPrice,
		Status:     "FILLED",
	})
}
