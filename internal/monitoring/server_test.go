package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatewaycore/internal/namedlock"
	"gatewaycore/internal/reconcile"
	"gatewaycore/internal/registry"
	"gatewaycore/internal/router"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	locks := namedlock.New(namedlock.DefaultConfig(), nil)
	bots := registry.New(3)
	reconcileSvc := reconcile.New(reconcile.Config{}, nil)
	return New(&router.Router{}, bots, locks, reconcileSvc)
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %q", body["status"])
	}
}

func TestStatusReportsSlotsAndLockDepths(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	slots, ok := body["slots"].([]any)
	if !ok || len(slots) != 3 {
		t.Fatalf("expected 3 slots in status response, got %v", body["slots"])
	}
}

func TestRateLimitRejectsBurstAboveCapacity(t *testing.T) {
	s := newTestServer(t)

	var lastCode int
	for i := 0; i < 60; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected the burst to eventually be rate limited, last code was %d", lastCode)
	}
}
