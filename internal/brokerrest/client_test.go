package brokerrest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gatewaycore/internal/brokerauth"
	"gatewaycore/internal/contracts"
)

func newTestAuth(t *testing.T) *brokerauth.Client {
	t.Helper()
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"
		claims := "eyJleHAiOjk5OTk5OTk5OTl9"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"token":   header + "." + claims + ".sig",
		})
	}))
	t.Cleanup(authSrv.Close)
	return brokerauth.New(brokerauth.Config{BaseURL: authSrv.URL, Username: "u", APIKey: "k"})
}

func TestFetchAccountsFiltersCanTrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"accounts": []map[string]any{
				{"id": "A1", "name": "one", "canTrade": true},
				{"id": "A2", "name": "two", "canTrade": false},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	accounts, err := c.FetchAccounts(context.Background(), false)
	if err != nil {
		t.Fatalf("fetch accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "A1" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestFetchAccountsCachesUntilForceFresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"accounts": []map[string]any{{"id": "A1", "canTrade": true}},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	ctx := context.Background()
	if _, err := c.FetchAccounts(ctx, false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.FetchAccounts(ctx, false); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}

	if _, err := c.FetchAccounts(ctx, true); err != nil {
		t.Fatalf("force-fresh call: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 upstream calls after forceFresh, got %d", got)
	}
}

func TestFetchContractsAvailableFiltersActiveAndMicro(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"contracts": []map[string]any{
				{"id": "CON.F.US.ES.H25", "name": "E-mini S&P", "active": true, "tickSize": 0.25, "tickValue": 12.5},
				{"id": "CON.F.US.MES.H25", "name": "Micro E-mini S&P", "active": true, "tickSize": 0.25, "tickValue": 1.25},
				{"id": "CON.F.US.NQ.H25", "name": "E-mini Nasdaq", "active": false, "tickSize": 0.25, "tickValue": 5},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	all, err := c.FetchContractsAvailable(context.Background(), false)
	if err != nil {
		t.Fatalf("fetch contracts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 active contracts, got %d", len(all))
	}

	micro, err := c.FetchContractsAvailable(context.Background(), true)
	if err != nil {
		t.Fatalf("fetch micro contracts: %v", err)
	}
	if len(micro) != 1 || micro[0].ID != "CON.F.US.MES.H25" {
		t.Fatalf("unexpected micro contracts: %+v", micro)
	}
}

func TestPlaceOrderRoundsPriceAndMapsFields(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "orderId": "ORD1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	c.SetContractLookup(func(contractID string) (*contracts.Contract, bool) {
		return &contracts.Contract{TickSize: 0.25}, true
	})

	orderID, err := c.PlaceOrder(context.Background(), OrderIntent{
		AccountID: "ACC1", ContractID: "CON.F.US.ES.H25",
		OrderType: "LIMIT", Side: "BUY", Size: 2, LimitPrice: 5000.37,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if orderID != "ORD1" {
		t.Fatalf("got order id %q", orderID)
	}
	if captured["type"].(float64) != orderTypeLimit {
		t.Fatalf("type = %v, want %d", captured["type"], orderTypeLimit)
	}
	if captured["side"].(float64) != sideBuy {
		t.Fatalf("side = %v, want %d", captured["side"], sideBuy)
	}
	if captured["limitPrice"].(float64) != 5000.25 {
		t.Fatalf("limitPrice = %v, want 5000.25 (rounded to tick)", captured["limitPrice"])
	}
}

func TestPlaceOrderRejectsUnknownType(t *testing.T) {
	c := New(Config{BaseURL: "http://example.invalid"}, newTestAuth(t))
	_, err := c.PlaceOrder(context.Background(), OrderIntent{OrderType: "BRACKET", Side: "BUY"})
	if err == nil {
		t.Fatal("expected error for unknown order type")
	}
}

func TestClosePositionChoosesEndpointBySize(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	if err := c.ClosePosition(context.Background(), "ACC1", "CON.F.US.ES.H25", nil); err != nil {
		t.Fatalf("full close: %v", err)
	}
	if gotPath != "/Position/closeContract" {
		t.Fatalf("full close path = %q", gotPath)
	}

	size := 1.0
	if err := c.ClosePosition(context.Background(), "ACC1", "CON.F.US.ES.H25", &size); err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if gotPath != "/Position/partialCloseContract" {
		t.Fatalf("partial close path = %q", gotPath)
	}
}

func TestFetchHistoryBarsSortsAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"bars": []map[string]any{
				{"t": 200, "o": 1, "h": 1, "l": 1, "c": 1, "v": 1},
				{"t": 100, "o": 1, "h": 1, "l": 1, "c": 1, "v": 1},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	params := HistoryParams{ContractID: "CON.F.US.ES.H25", Unit: UnitMinute, UnitNumber: 1, Limit: 100}

	bars, err := c.FetchHistoryBars(context.Background(), params)
	if err != nil {
		t.Fatalf("fetch bars: %v", err)
	}
	if len(bars) != 2 || bars[0].T != 100 || bars[1].T != 200 {
		t.Fatalf("bars not sorted ascending: %+v", bars)
	}

	if _, err := c.FetchHistoryBars(context.Background(), params); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call (second served from cache), got %d", got)
	}
}

func TestFetchHistoryBarsRejectsOutOfRangeLimit(t *testing.T) {
	c := New(Config{BaseURL: "http://example.invalid"}, newTestAuth(t))
	_, err := c.FetchHistoryBars(context.Background(), HistoryParams{ContractID: "x", Unit: UnitMinute, Limit: 999999})
	if err == nil {
		t.Fatal("expected error for out-of-range limit")
	}
}

func TestFetchHistoryBarsRespectsConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "bars": []map[string]any{}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, HistoryMaxConcurrent: 2}, newTestAuth(t))

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func(i int) {
			params := HistoryParams{ContractID: "x", Unit: UnitMinute, Limit: 10, StartTime: time.Duration(i).String()}
			_, _ = c.FetchHistoryBars(context.Background(), params)
			done <- struct{}{}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}

	if atomic.LoadInt32(&maxInFlight) > 2 {
		t.Fatalf("max in-flight = %d, want <= 2", maxInFlight)
	}
}

func TestTodayStatsAndLifetimeStatsHitDistinctEndpoints(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"stats":   map[string]any{"tradeCount": 3, "profitAndLoss": 10.5},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestAuth(t))
	if _, err := c.TodayStats(context.Background(), "ACC1"); err != nil {
		t.Fatalf("today stats: %v", err)
	}
	if _, err := c.LifetimeStats(context.Background(), "ACC1"); err != nil {
		t.Fatalf("lifetime stats: %v", err)
	}
	if len(gotPaths) != 2 || gotPaths[0] != "/Statistics/todaystats" || gotPaths[1] != "/Statistics/lifetimestats" {
		t.Fatalf("unexpected paths: %v", gotPaths)
	}
}
