package streaming

import "testing"

func TestShouldEmitQuoteDedups(t *testing.T) {
	c := newQuoteCache()
	q := Quote{Bid: 100, Ask: 100.25, BidSize: 5, AskSize: 3}

	if !c.shouldEmitQuote("ES", q) {
		t.Fatal("first quote should emit")
	}
	if c.shouldEmitQuote("ES", q) {
		t.Fatal("unchanged quote should not emit")
	}
	q.Bid = 100.25
	if !c.shouldEmitQuote("ES", q) {
		t.Fatal("changed quote should emit")
	}
}

func TestShouldEmitTradeAlwaysDistinctByTimestamp(t *testing.T) {
	c := newQuoteCache()
	tr1 := Trade{Price: 100, Size: 1, Side: "BUY", Timestamp: 1}
	tr2 := Trade{Price: 100, Size: 1, Side: "BUY", Timestamp: 2}

	if !c.shouldEmitTrade("ES", tr1) {
		t.Fatal("first trade should emit")
	}
	if c.shouldEmitTrade("ES", tr1) {
		t.Fatal("identical repeated trade should not emit")
	}
	if !c.shouldEmitTrade("ES", tr2) {
		t.Fatal("trade with different timestamp should emit")
	}
}

func TestShouldEmitDepthDedups(t *testing.T) {
	c := newQuoteCache()
	d := Depth{
		Bids: []DepthLevel{{Price: 100, Size: 5}},
		Asks: []DepthLevel{{Price: 100.25, Size: 3}},
	}
	if !c.shouldEmitDepth("ES", d) {
		t.Fatal("first depth should emit")
	}
	if c.shouldEmitDepth("ES", d) {
		t.Fatal("unchanged depth should not emit")
	}

	d2 := Depth{
		Bids: []DepthLevel{{Price: 100, Size: 6}},
		Asks: []DepthLevel{{Price: 100.25, Size: 3}},
	}
	if !c.shouldEmitDepth("ES", d2) {
		t.Fatal("changed depth should emit")
	}
}

func TestClearResetsDedupState(t *testing.T) {
	c := newQuoteCache()
	q := Quote{Bid: 100, Ask: 100.25}
	c.shouldEmitQuote("ES", q)
	c.clear()
	if !c.shouldEmitQuote("ES", q) {
		t.Fatal("same quote should re-emit after clear")
	}
}
