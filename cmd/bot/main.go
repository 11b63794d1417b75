// Prediction-market trading bot — market-making plus multi-outcome
// arbitrage on Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the supervisor, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go   — orchestrator: wires discovery → strategies → exchange, manages market lifecycle
//	marketmaking/quoting.go    — Avellaneda-Stoikov quoting: computes bid/ask from mid price + inventory skew
//	inventory/inventory.go     — tracks position, avg entry price, realized/unrealized PnL, dynamic risk aversion
//	discovery/discovery.go     — polls Gamma API for wide-spread markets and multi-outcome events
//	cache/cache.go             — local order book mirror fed by WebSocket snapshots + price changes
//	arbitrage/scanner.go       — detects ask-sum-below-1 baskets across an event's outcomes
//	arbitrage/executor.go      — atomic basket execution: concurrent FOK legs, fill poll, unwind on partial fill
//	gateway/gateway.go         — the single choke-point every order passes through (validate, rate-limit, record)
//	transport/rest.go, ws.go   — REST client and WebSocket feeds (market data + user fills/orders)
//	transport/auth.go          — L1 (EIP-712) and L2 (HMAC) authentication for the Polymarket API
//	portfolio/portfolio.go     — enforces per-market, global exposure, daily loss, and price-shock kill switches
//
// How it makes money:
//
//	The market-making side captures the bid-ask spread on binary prediction
//	markets, skewing quotes with Avellaneda-Stoikov to offload inventory risk.
//	The arbitrage side buys every outcome of a multi-outcome event whenever
//	their combined ask price sums to less than $1, locking in the difference
//	regardless of which outcome resolves true.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradingcore/internal/api"
	"tradingcore/internal/config"
	"tradingcore/internal/supervisor"
)

func main() {
	defaultCfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		defaultCfgPath = p
	}
	cfgPath := flag.String("config", defaultCfgPath, "path to the YAML config file")
	logLevel := flag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	dryRun := flag.Bool("dry-run", false, "place no real orders")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	sup, err := supervisor.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create supervisor", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, sup, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := sup.Start(); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("trading engine started",
		"markets_max", cfg.Risk.MaxMarketsActive,
		"order_size", cfg.Strategy.OrderSizeUSD,
		"max_exposure", cfg.Risk.MaxGlobalExposure,
		"arbitrage_enabled", cfg.Arbitrage.Enabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	sup.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
