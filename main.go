package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-core/internal/api"
	"perp-core/internal/events"
	"perp-core/internal/execution"
	"perp-core/internal/marketdata"
	"perp-core/internal/position"
	"perp-core/internal/reconciliation"
	"perp-core/internal/resilience"
	"perp-core/pkg/config"
	"perp-core/pkg/db"
	"perp-core/pkg/exchange"
	"perp-core/pkg/exchange/ws"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting execution core on :%s, db=%s", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	symbols, err := config.LoadSymbolTable(cfg.SymbolsFile)
	if err != nil {
		log.Fatalf("symbol table load failed: %v", err)
	}

	// Exchange client behind the resilience stack
	client := exchange.NewHTTPClient(exchange.Config{
		BaseURL:    cfg.ExchangeBaseURL,
		PrivateKey: cfg.PrivateKey,
		Timeout:    cfg.RequestTimeout,
	})

	breaker := resilience.NewCircuitBreaker("exchange", resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		MonitoringPeriod: cfg.BreakerMonitoringPeriod,
	})
	retry := resilience.NewRetryHandler(resilience.RetryConfig{
		MaxRetries: cfg.RetryMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Factor:     cfg.RetryFactor,
		Jitter:     cfg.RetryJitter,
	})
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitPerSecond,
		BurstCapacity:     cfg.RateLimitBurst,
		MaxQueueSize:      cfg.RateLimitQueueSize,
	})
	defer limiter.Shutdown()

	// Market data: websocket stream feeding the TTL cache
	cache := marketdata.NewCache(marketdata.DefaultConfig())
	defer cache.Close()

	stream := ws.NewStreamClient(cfg.ExchangeWSURL, ws.ReconnectConfig{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Factor:      cfg.ReconnectFactor,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	})
	defer stream.Shutdown()

	feed := marketdata.Feed{
		Stream:         stream,
		Cache:          cache,
		Symbols:        cfg.Symbols,
		CandleInterval: cfg.CandleInterval,
	}
	feed.Start(ctx)

	// Trading services
	exec := execution.NewService(database, client, limiter, breaker, retry, bus, symbols, cfg.MarginCheckLeverage)
	positions := position.NewService(database, client, limiter, breaker, retry, bus, exec, cfg.PositionPollInterval)
	defer positions.Shutdown()

	recon := reconciliation.NewService(database, client, limiter, breaker, retry, bus, cfg.ReconcileInterval, cfg.ReconcileAutoSync)
	go recon.Start(ctx)

	// Critical discrepancies are logged loudly wherever they surface.
	criticals, unsubCrit := bus.Subscribe(events.EventCriticalDiscrep, 100)
	defer unsubCrit()
	go func() {
		for msg := range criticals {
			log.Printf("ALERT: critical discrepancy: %+v", msg)
		}
	}()

	// API
	server := api.NewServer(bus, database, exec, positions, recon, cache, breaker, limiter, api.SystemMeta{
		Venue:     cfg.ExchangeBaseURL,
		Symbols:   cfg.Symbols,
		Version:   version(),
		StartedAt: time.Now(),
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v1.0-dev"
}
