// OMS — an order management server for futures strategies.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires the parts, waits for SIGINT/SIGTERM
//	oms/core.go           — the server core: transport loop, worker pool, request-id authority
//	oms/handlers.go       — gateway event handlers: executions, order updates, broker errors
//	oms/roll.go           — startup contract roll: moves positions and stops to the new front month
//	session/session.go    — one logged-in client: message validation, heartbeats, pushes
//	ledger/ledger.go      — MySQL ledger of orders, executions, positions, and entry tickets
//	broker/broker.go      — broker gateway wrapper: connection state and reconnect policy
//	gateway/sim.go        — in-process simulated gateway for tests and dry runs
//	instrument/           — instrument repository: file loader and HTTP refresher
//	proxy/proxy.go        — WebSocket bridge between strategy clients and the worker
//
// What it does:
//
//	Strategy clients log in through the proxy and place orders with
//	client-side request ids. The server persists every order, mirrors
//	fills into per-strategy positions and entry tickets, synthesises a
//	protective stop for every filled entry, and rolls expiring contracts
//	to the new front month at startup when instructed.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"oms/internal/broker"
	"oms/internal/config"
	"oms/internal/instrument"
	"oms/internal/ledger"
	"oms/internal/oms"
	"oms/internal/proxy"
)

func main() {
	// Load config
	cfgPath := "configs/oms.yaml"
	if p := os.Getenv("OMS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger
	db, err := ledger.Open(cfg.Ledger.Driver, cfg.Ledger.DSN, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Instrument repository: HTTP refresher when a URL is configured,
	// otherwise a one-shot file load.
	var instruments instrument.Repository
	if cfg.Instruments.URL != "" {
		repo, err := instrument.NewHTTPRepository(cfg.Instruments.URL,
			cfg.Instruments.CachePath, cfg.Instruments.RefreshInterval, logger)
		if err != nil {
			logger.Error("failed to load instruments", "error", err, "url", cfg.Instruments.URL)
			os.Exit(1)
		}
		repo.Start(ctx)
		defer repo.Stop()
		instruments = repo
	} else {
		snapshot, err := instrument.LoadFile(cfg.Instruments.Path)
		if err != nil {
			logger.Error("failed to load instruments", "error", err, "path", cfg.Instruments.Path)
			os.Exit(1)
		}
		instruments = snapshot
	}

	// Broker gateways
	brokers := make([]*broker.Broker, 0, len(cfg.Brokers))
	for _, bc := range cfg.Brokers {
		b, err := broker.NewFromConfig(bc, logger)
		if err != nil {
			logger.Error("failed to create broker", "error", err, "name", bc.Name)
			os.Exit(1)
		}
		brokers = append(brokers, b)
	}

	// In-process proxy, when this process hosts it
	if cfg.Messaging.Proxy.Enabled {
		p := proxy.New(cfg.Messaging.Proxy, logger)
		if err := p.Start(); err != nil {
			logger.Error("failed to start proxy", "error", err)
			os.Exit(1)
		}
		defer p.Stop()
	}

	core, err := oms.New(cfg, db, instruments, brokers, logger)
	if err != nil {
		logger.Error("failed to create oms core", "error", err)
		os.Exit(1)
	}

	logger.Info("oms started", "broker_url", cfg.Messaging.OMS.Broker,
		"workers", cfg.Messaging.OMS.NumOfWorkers, "brokers", len(cfg.Brokers))

	// Cancel the run context on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("oms stopped with error", "error", err)
	}
	core.Close()
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
