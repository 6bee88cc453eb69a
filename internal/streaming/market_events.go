package streaming

import (
	"encoding/json"
	"log"
	"strconv"
)

// Inbound event arguments are always [contractID, payload].

func decodeArgs(args []json.RawMessage) (string, map[string]any, bool) {
	if len(args) < 2 {
		return "", nil, false
	}
	var contractID string
	if err := json.Unmarshal(args[0], &contractID); err != nil {
		return "", nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal(args[1], &payload); err != nil {
		return "", nil, false
	}
	return contractID, payload, true
}

func field(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func (h *MarketHub) handleQuote(args []json.RawMessage) {
	contractID, payload, ok := decodeArgs(args)
	if !ok {
		return
	}
	bid, _ := toFloat(mustField(payload, "bid", "bestBid", "b"))
	ask, _ := toFloat(mustField(payload, "ask", "bestAsk", "a"))
	bidSize, _ := toFloat(mustField(payload, "bidSize", "bestBidSize", "bq"))
	askSize, _ := toFloat(mustField(payload, "askSize", "bestAskSize", "aq"))

	q := Quote{Bid: bid, Ask: ask, BidSize: bidSize, AskSize: askSize}
	if !h.cache.shouldEmitQuote(contractID, q) {
		h.filtered()
		return
	}
	h.emit(contractID, "QUOTE", q)
}

func mustField(m map[string]any, keys ...string) any {
	v, _ := field(m, keys...)
	return v
}

func (h *MarketHub) handleTrade(args []json.RawMessage) {
	if len(args) < 2 {
		return
	}
	var contractID string
	if err := json.Unmarshal(args[0], &contractID); err != nil {
		return
	}

	var rawTrades []map[string]any
	if err := json.Unmarshal(args[1], &rawTrades); err != nil {
		// Some payloads send a single trade object rather than an array.
		var single map[string]any
		if err := json.Unmarshal(args[1], &single); err != nil {
			return
		}
		rawTrades = []map[string]any{single}
	}

	for _, t := range rawTrades {
		price, priceOK := toFloat(mustField(t, "price", "p"))
		size, sizeOK := toFloat(mustField(t, "size", "volume", "q"))
		if !priceOK || !sizeOK || price <= 0 || size <= 0 {
			continue
		}
		side, sideOK := decodeTradeSide(t)
		if !sideOK {
			log.Printf("streaming: market hub trade on %s has unknown side", contractID)
		}
		ts, _ := toInt64(mustField(t, "timestamp", "time", "T"))

		tr := Trade{Price: price, Size: size, Side: side, Timestamp: ts}
		if !h.cache.shouldEmitTrade(contractID, tr) {
			h.filtered()
			continue
		}
		h.emit(contractID, "TRADE", tr)
	}
}

// decodeTradeSide reads a numeric type (0->BUY, 1->SELL) falling back to a
// textual side/direction field.
func decodeTradeSide(t map[string]any) (string, bool) {
	if v, ok := field(t, "type"); ok {
		if n, ok := toFloat(v); ok {
			switch int(n) {
			case 0:
				return "BUY", true
			case 1:
				return "SELL", true
			}
		}
	}
	if v, ok := field(t, "side", "direction"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func (h *MarketHub) handleDepth(args []json.RawMessage) {
	contractID, payload, ok := decodeArgs(args)
	if !ok {
		return
	}
	d := Depth{
		Bids: decodeDepthSide(mustField(payload, "bids", "b")),
		Asks: decodeDepthSide(mustField(payload, "asks", "a")),
	}
	if !h.cache.shouldEmitDepth(contractID, d) {
		h.filtered()
		return
	}
	h.emit(contractID, "DEPTH", d)
}

func decodeDepthSide(v any) []DepthLevel {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]DepthLevel, 0, len(arr))
	for _, raw := range arr {
		switch level := raw.(type) {
		case []any:
			if len(level) < 2 {
				continue
			}
			price, _ := toFloat(level[0])
			size, _ := toFloat(level[1])
			out = append(out, DepthLevel{Price: price, Size: size})
		case map[string]any:
			price, _ := toFloat(mustField(level, "price", "p"))
			size, _ := toFloat(mustField(level, "size", "volume", "q"))
			out = append(out, DepthLevel{Price: price, Size: size})
		}
	}
	return out
}
