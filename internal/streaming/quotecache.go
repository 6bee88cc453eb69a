package streaming

import "sync"

// Quote is the normalized top-of-book snapshot for an instrument.
type Quote struct {
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
}

// Trade is a single normalized trade print.
type Trade struct {
	Price     float64
	Size      float64
	Side      string
	Timestamp int64
}

// DepthLevel is one price/size pair in a depth book side.
type DepthLevel struct {
	Price float64
	Size  float64
}

// Depth is a normalized order book snapshot.
type Depth struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

// quoteCacheEntry holds the previously *sent* values for an instrument, used
// to suppress re-emitting unchanged market data.
type quoteCacheEntry struct {
	quote     Quote
	hasQuote  bool
	lastTrade Trade
	hasTrade  bool
	depth     Depth
	hasDepth  bool
}

// quoteCache is a per-instrument dedup cache for the market hub.
type quoteCache struct {
	mu      sync.Mutex
	entries map[string]*quoteCacheEntry
}

func newQuoteCache() *quoteCache {
	return &quoteCache{entries: make(map[string]*quoteCacheEntry)}
}

func (c *quoteCache) entry(instrument string) *quoteCacheEntry {
	e, ok := c.entries[instrument]
	if !ok {
		e = &quoteCacheEntry{}
		c.entries[instrument] = e
	}
	return e
}

// shouldEmitQuote reports whether q differs from the last sent quote for
// instrument, and records q as sent if so.
func (c *quoteCache) shouldEmitQuote(instrument string, q Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(instrument)
	if e.hasQuote && e.quote == q {
		return false
	}
	e.quote = q
	e.hasQuote = true
	return true
}

// shouldEmitTrade reports whether tr differs from the last sent trade for
// instrument, and records tr as sent if so.
func (c *quoteCache) shouldEmitTrade(instrument string, tr Trade) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(instrument)
	if e.hasTrade && e.lastTrade == tr {
		return false
	}
	e.lastTrade = tr
	e.hasTrade = true
	return true
}

// shouldEmitDepth reports whether d differs from the last sent depth for
// instrument, and records d as sent if so.
func (c *quoteCache) shouldEmitDepth(instrument string, d Depth) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(instrument)
	if e.hasDepth && depthEqual(e.depth, d) {
		return false
	}
	e.depth = d
	e.hasDepth = true
	return true
}

func depthEqual(a, b Depth) bool {
	if len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		return false
	}
	for i := range a.Bids {
		if a.Bids[i] != b.Bids[i] {
			return false
		}
	}
	for i := range a.Asks {
		if a.Asks[i] != b.Asks[i] {
			return false
		}
	}
	return true
}

// clear drops every cached instrument's last-sent values, forcing the next
// update for each to emit. Used after a reconnect and resubscribe.
func (c *quoteCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*quoteCacheEntry)
}
