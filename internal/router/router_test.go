package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
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

// newTestRouter wires a Router against an httptest broker server and a
// disconnected bus adapter; Publish/Subscribe on a disconnected adapter are
// safe no-ops (queued/offline), so no Redis is needed for these tests.
func newTestRouter(t *testing.T, brokerHandler http.HandlerFunc) *Router {
	t.Helper()
	srv := httptest.NewServer(brokerHandler)
	t.Cleanup(srv.Close)

	rest := brokerrest.New(brokerrest.Config{BaseURL: srv.URL}, newTestAuth(t))
	bus := busadapter.New(busadapter.Config{Addr: "127.0.0.1:0"})
	locks := namedlock.New(namedlock.DefaultConfig(), nil)
	bots := registry.New(6)
	contractCache := contracts.NewCache(func(ctx context.Context) ([]contracts.RawContract, error) {
		return []contracts.RawContract{{ID: "CON.F.US.ES.H25", Name: "E-mini S&P", TickSize: 0.25, Active: true}}, nil
	}, nil)

	market := streaming.NewMarketHub("ws://example.invalid", func(ctx context.Context) (string, error) { return "tok", nil }, nil)
	user := streaming.NewUserHub("ws://example.invalid", func(ctx context.Context) (string, error) { return "tok", nil }, nil)

	reconcileSvc := reconcile.New(reconcile.Config{EnableAutoCorrection: true}, nil)

	bracketEngine := bracket.New(
		func(ctx context.Context, accountID string) ([]brokerrest.Position, error) { return nil, nil },
		func(ctx context.Context, positionID string, stop, take *float64) error { return nil },
		func(bracket.CompleteEvent) {},
	)

	return New(bus, locks, newTestAuth(t), contractCache, bots, market, user, rest, reconcileSvc, bracketEngine, 10)
}

func TestHandleRegisterInstanceValidatesAndSubscribes(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"contracts": []map[string]any{
				{"id": "CON.F.US.ES.H25", "name": "E-mini S&P", "tickSize": 0.25, "active": true},
			},
		})
	})

	r.handleRegisterInstance(context.Background(), "REGISTER_INSTANCE", request{
		RequestID: "r1", SlotID: "BOT_1", AccountID: "ACC1", Instrument: "ES", Strategy: "meanrev",
	})

	slot, ok := r.bots.Slot("BOT_1")
	if !ok || !slot.Connected || slot.Account != "ACC1" {
		t.Fatalf("expected BOT_1 registered, got %+v ok=%v", slot, ok)
	}

	// A second registration on the same (account, instrument) pair from a
	// different slot must be rejected.
	r.handleRegisterInstance(context.Background(), "REGISTER_INSTANCE", request{
		RequestID: "r2", SlotID: "BOT_2", AccountID: "ACC1", Instrument: "ES", Strategy: "trend",
	})
	slot2, _ := r.bots.Slot("BOT_2")
	if slot2.Connected {
		t.Fatal("expected BOT_2 registration to be rejected (account/instrument already claimed)")
	}
}

func TestHandlePlaceOrderSerializesAndAttachesBracket(t *testing.T) {
	var placedCount int32
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if req.URL.Path == "/Order/place" {
			placedCount++
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "orderId": "ORD1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	stopLoss := 10.0
	req := request{
		RequestID: "r1", AccountID: "ACC1", ContractID: "CON.F.US.ES.H25",
		OrderType: "MARKET", Side: "BUY", Size: 1, StopLossPoints: &stopLoss,
		SlotID: "BOT_1", Instrument: "ES",
	}
	r.handlePlaceOrder(context.Background(), "PLACE_ORDER", req)

	if placedCount != 1 {
		t.Fatalf("expected exactly one order placement, got %d", placedCount)
	}
	if !r.bracket.Pending("ORD1") {
		t.Fatal("expected a bracket attached for ORD1")
	}
}

func TestHandlePlaceOrderPropagatesBrokerRejection(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "errorMessage": "insufficient margin"})
	})

	req := request{RequestID: "r1", AccountID: "ACC1", ContractID: "CON.F.US.ES.H25", OrderType: "MARKET", Side: "BUY", Size: 1}
	r.handlePlaceOrder(context.Background(), "PLACE_ORDER", req)

	if r.bracket.PendingCount() != 0 {
		t.Fatal("expected no bracket attached after a rejected order")
	}
}

func TestHandleCancelOrderRequiresBrokerOrderID(t *testing.T) {
	var called bool
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		called = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	r.handleCancelOrder(context.Background(), "CANCEL_ORDER", request{RequestID: "r1"})
	if called {
		t.Fatal("expected no broker call without a brokerOrderId")
	}
}

func TestHandlePositionUpdateFeedsReconciliation(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	r.reconcile.SetMasterPosition(reconcile.MasterPosition{
		OrderID: "ORD1", InstanceID: "BOT_1", Side: "BUY", Size: 2, EntryPrice: 5000, Status: "OPEN",
	})

	r.handlePositionUpdate(context.Background(), "POSITION_UPDATE", request{
		OrderID: "ORD1", SlotID: "BOT_1", Side: "BUY", Size: 2, EntryPrice: 5000, Status: "OPEN",
	})

	summary := r.reconcile.Reconcile()
	if len(summary.Discrepancies) != 0 {
		t.Fatalf("expected no discrepancies after a matching instance update, got %+v", summary.Discrepancies)
	}
}

func TestHandleRequestReconciliationRespondsWithSummary(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	r.reconcile.SetMasterPosition(reconcile.MasterPosition{OrderID: "ORD1", InstanceID: "BOT_1"})
	r.handleRequestReconciliation(context.Background(), "REQUEST_RECONCILIATION", request{RequestID: "r1"})
}

func TestConnectionLossStateMachineWaitsForAllHubs(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	recoveryResyncWait = time.Millisecond

	r.setState(StateConnected)
	r.onHubDisconnect() // market down
	if r.State() != StateReconnecting {
		t.Fatalf("expected RECONNECTING after first disconnect, got %s", r.State())
	}

	r.onHubDisconnect() // user down too
	r.onHubReconnect()  // market back, user still down
	if r.State() != StateReconnecting {
		t.Fatalf("expected still RECONNECTING with one hub down, got %s", r.State())
	}

	r.onHubReconnect() // user back: both up, triggers recovery synchronously
	if r.State() != StateConnected {
		t.Fatalf("expected CONNECTED once every hub recovered, got %s", r.State())
	}
}

func TestShutdownSuppressesFurtherPauseTrading(t *testing.T) {
	r := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	r.setState(StateConnected)
	r.Shutdown()
	if r.State() != StateShuttingDown {
		t.Fatalf("expected SHUTTING_DOWN after Shutdown, got %s", r.State())
	}

	r.onHubDisconnect()
	if r.State() != StateShuttingDown {
		t.Fatalf("expected SHUTTING_DOWN to persist through a late disconnect, got %s", r.State())
	}
}
