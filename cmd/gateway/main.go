// Command gateway runs the broker gateway: a single authenticated session
// against the futures broker's REST and WebSocket APIs, multiplexed to a
// fleet of bot processes over the pub/sub bus.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gatewaycore/internal/bracket"
	"gatewaycore/internal/brokerauth"
	"gatewaycore/internal/brokerrest"
	"gatewaycore/internal/busadapter"
	"gatewaycore/internal/contracts"
	"gatewaycore/internal/monitoring"
	"gatewaycore/internal/namedlock"
	"gatewaycore/internal/reconcile"
	"gatewaycore/internal/registry"
	"gatewaycore/internal/router"
	"gatewaycore/internal/streaming"
	"gatewaycore/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("gateway: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := brokerauth.New(brokerauth.Config{
		BaseURL:  cfg.APIBaseURL,
		Username: cfg.BrokerUsername,
		APIKey:   cfg.BrokerAPIKey,
	})

	bus := busadapter.New(busadapter.Config{
		Addr:     cfg.BusAddr,
		Password: cfg.BusPassword,
		DB:       cfg.BusDB,
	})

	locks := namedlock.New(namedlock.Config{
		LockTimeout:  cfg.LockTimeout,
		QueueTimeout: cfg.QueueTimeout,
		MaxQueueSize: cfg.MaxQueueSize,
	}, nil)

	bots := registry.New(cfg.BotSlotCount)

	rest := brokerrest.New(brokerrest.Config{
		BaseURL:               cfg.APIBaseURL,
		HistoryCacheDuration:  cfg.HistoryCacheDuration,
		HistoryMaxConcurrent:  cfg.HistoryMaxConcurrent,
		HistoryRequestTimeout: cfg.HistoryRequestTimeout,
		HistoryMaxRetries:     cfg.HistoryMaxRetries,
	}, auth)

	contractCache := contracts.NewCache(func(ctx context.Context) ([]contracts.RawContract, error) {
		return rest.FetchContractsAvailable(ctx, cfg.MicroOnly)
	}, nil)
	rest.SetContractLookup(contractCache.ByContractID)

	// Hubs are constructed with a nil handler: the handler closes over the
	// router, which cannot be constructed until the hubs already exist.
	market := streaming.NewMarketHub(cfg.MarketHubURL, auth.EnsureValidToken, nil)
	user := streaming.NewUserHub(cfg.UserHubURL, auth.EnsureValidToken, nil)

	reconcileSvc := reconcile.New(reconcile.Config{
		Interval:                cfg.ReconciliationInterval,
		MaxDiscrepancyThreshold: cfg.MaxDiscrepancyThreshold,
		EnableAutoCorrection:    cfg.EnableAutoCorrection,
	}, func(orderID, reason string) {
		bus.Publish("FORCE_RECONCILIATION", map[string]string{"orderId": orderID, "reason": reason})
	})

	bracketEngine := bracket.New(
		rest.SearchOpenPositions,
		rest.EditStopLossAccount,
		func(ev bracket.CompleteEvent) {
			bus.Publish("BRACKET_ORDER_COMPLETE", ev)
		},
	)

	gw := router.New(bus, locks, auth, contractCache, bots, market, user, rest, reconcileSvc, bracketEngine, cfg.BracketMaxRetries)
	market.SetHandler(gw.HandleMarketEvent)
	user.SetHandler(gw.HandleUserEvent)

	gw.ListenControlChannels(ctx)
	if err := gw.Startup(ctx, cfg.MicroOnly); err != nil {
		log.Fatalf("gateway: startup: %v", err)
	}

	mon := monitoring.New(gw, bots, locks, reconcileSvc)
	go func() {
		if err := mon.Run(":" + cfg.MonitoringPort); err != nil {
			log.Printf("gateway: monitoring server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("gateway: shutdown signal received")
	gw.Shutdown()
}
