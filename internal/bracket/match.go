package bracket

import (
	"fmt"
	"time"

	"gatewaycore/internal/brokerrest"
)

var entryTimeLayouts = []string{time.RFC3339, time.RFC3339Nano}

func parsePositionTime(s string) (time.Time, bool) {
	for _, layout := range entryTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// matchPosition implements the spec's match heuristic: an exact
// openOrderId/orderId match wins outright; otherwise the most recently
// opened position on the expected contract within window is used.
func matchPosition(positions []brokerrest.Position, contractID, brokerOrderID string, now time.Time, window time.Duration) (*brokerrest.Position, bool) {
	for i := range positions {
		p := &positions[i]
		if p.OpenOrderID == brokerOrderID || p.OrderID == brokerOrderID {
			return p, true
		}
	}

	var best *brokerrest.Position
	var bestTime time.Time
	for i := range positions {
		p := &positions[i]
		if p.ContractID != contractID {
			continue
		}
		raw := p.EntryTime
		if raw == "" {
			raw = p.CreationTimestamp
		}
		entryTime, ok := parsePositionTime(raw)
		if !ok {
			continue
		}
		if now.Sub(entryTime) >= window {
			continue
		}
		if best == nil || entryTime.After(bestTime) {
			best = p
			bestTime = entryTime
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// computeStopTake derives the final stop-loss/take-profit prices for a
// matched position, in fill-based or price-based mode depending on which
// spec fields are set.
func computeStopTake(spec Spec, side string, fillPrice float64) (*float64, *float64, error) {
	if fillPrice <= 0 {
		return nil, nil, fmt.Errorf("bracket: invalid fill price %.4f", fillPrice)
	}

	var stop, take *float64

	switch {
	case spec.StopLossPoints != nil:
		if *spec.StopLossPoints < 0 {
			return nil, nil, fmt.Errorf("bracket: negative stopLossPoints %.4f", *spec.StopLossPoints)
		}
		v := fillPrice - *spec.StopLossPoints
		if side == "SELL" {
			v = fillPrice + *spec.StopLossPoints
		}
		stop = &v
	case spec.StopPrice != nil:
		v := *spec.StopPrice
		stop = &v
	}

	switch {
	case spec.TakeProfitPoints != nil:
		if *spec.TakeProfitPoints < 0 {
			return nil, nil, fmt.Errorf("bracket: negative takeProfitPoints %.4f", *spec.TakeProfitPoints)
		}
		v := fillPrice + *spec.TakeProfitPoints
		if side == "SELL" {
			v = fillPrice - *spec.TakeProfitPoints
		}
		take = &v
	case spec.LimitPrice != nil:
		v := *spec.LimitPrice
		take = &v
	}

	return stop, take, nil
}
