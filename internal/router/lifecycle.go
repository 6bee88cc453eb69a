package router

import (
	"context"
	"fmt"
	"log"
	"time"
)

// verifyReceiptWindow bounds how long Startup waits for the first market
// event to arrive after subscribing, before giving up and starting
// CONNECTED anyway (the hubs keep retrying on their own reconnect loops).
// Variable rather than const so tests can shrink it.
var verifyReceiptWindow = 15 * time.Second

// Startup runs the gateway's literal bring-up sequence: bus, reconciliation
// loop and the two hubs are started, then accounts and active contracts are
// fetched and subscribed, and receipt is verified before the state flips to
// CONNECTED. Auth, the bus transport and bot registry are constructed by
// the caller and passed into New; external configuration is likewise
// already loaded by the time Startup runs.
func (r *Router) Startup(ctx context.Context, microOnly bool) error {
	r.wireHubHooks()

	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("router: startup: bus: %w", err)
	}

	r.reconcile.Start(ctx)

	if err := r.market.Start(ctx); err != nil {
		log.Printf("router: startup: market hub dial failed, will keep retrying: %v", err)
	}
	if err := r.user.Start(ctx); err != nil {
		log.Printf("router: startup: user hub dial failed, will keep retrying: %v", err)
	}

	accounts, err := r.rest.FetchAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("router: startup: fetch accounts: %w", err)
	}
	accountIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		accountIDs = append(accountIDs, a.ID)
	}
	r.user.Subscribe(accountIDs)

	rawContracts, err := r.rest.FetchContractsAvailable(ctx, microOnly)
	if err != nil {
		return fmt.Errorf("router: startup: fetch active contracts: %w", err)
	}
	contractIDs := make([]string, 0, len(rawContracts))
	for _, rc := range rawContracts {
		contractIDs = append(contractIDs, rc.ID)
	}
	r.market.Subscribe(contractIDs)

	r.verifyReceipt()

	r.setState(StateConnected)
	r.bus.Publish("CONNECTED", map[string]string{"state": string(StateConnected)})
	log.Printf("router: startup complete, state=CONNECTED (%d accounts, %d contracts)", len(accountIDs), len(contractIDs))
	return nil
}

// verifyReceipt waits up to 15s for at least one market event, logging
// either way; a quiet hub at startup is not fatal since its own reconnect
// loop keeps trying.
func (r *Router) verifyReceipt() {
	deadline := time.After(verifyReceiptWindow)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			log.Printf("router: no market event observed within %s of subscribing", verifyReceiptWindow)
			return
		case <-ticker.C:
			if r.market.Metrics().Received > 0 {
				return
			}
		}
	}
}

// wireHubHooks connects both hubs' disconnect/reconnect callbacks to the
// connection-loss state machine. Either hub going down marks the gateway
// RECONNECTING and pauses bots; recovery only fires once every hub that
// went down has come back.
func (r *Router) wireHubHooks() {
	r.market.SetDisconnectHandler(r.onHubDisconnect)
	r.market.SetReconnectHandler(r.onHubReconnect)
	r.user.SetDisconnectHandler(r.onHubDisconnect)
	r.user.SetReconnectHandler(r.onHubReconnect)
}

func (r *Router) onHubDisconnect() {
	r.mu.Lock()
	r.downHubs++
	first := r.downHubs == 1
	shuttingDown := r.state == StateShuttingDown
	if !shuttingDown {
		r.state = StateReconnecting
	}
	r.mu.Unlock()

	if !first || shuttingDown {
		return
	}
	r.bus.Publish("PAUSE_TRADING", map[string]string{"reason": "broker connection lost"})
	log.Printf("router: connection lost, state=RECONNECTING, trading paused")
}

func (r *Router) onHubReconnect() {
	r.mu.Lock()
	r.downHubs--
	stillDown := r.downHubs > 0
	shuttingDown := r.state == StateShuttingDown
	r.mu.Unlock()

	if stillDown || shuttingDown {
		return
	}

	r.bus.Publish("RECONCILIATION_REQUIRED", nil)
	log.Printf("router: connection restored, reconciliation required, waiting %s for bots to resync", recoveryResyncWait)
	time.Sleep(recoveryResyncWait)

	r.mu.Lock()
	if r.state != StateShuttingDown {
		r.state = StateConnected
	}
	r.mu.Unlock()

	r.bus.Publish("RESUME_TRADING", nil)
	log.Printf("router: state=CONNECTED, trading resumed")
}

// Shutdown enters SHUTTING_DOWN (suppressing any further PAUSE_TRADING),
// disconnects both hubs and quits the bus. It does not stop the
// reconciliation loop, which runs until the context passed to Startup is
// cancelled.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.state = StateShuttingDown
	r.mu.Unlock()

	r.bus.Publish("SHUTTING_DOWN", map[string]string{"state": string(StateShuttingDown)})

	r.market.Stop()
	r.user.Stop()
	r.bus.Stop()
	log.Printf("router: shutdown complete")
}
