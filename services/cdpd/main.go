package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"usq/core/state"
	"usq/native/bank"
	"usq/native/cdp"
	"usq/native/oracle"
	"usq/native/rewards"
	"usq/observability/logging"
	telemetry "usq/observability/otel"
	"usq/services/cdpd/config"
	"usq/services/cdpd/journal"
	"usq/services/cdpd/server"
	"usq/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("USQ_ENV"))
	logger := logging.Setup("cdpd", env)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("cdpd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("open state database: %v", err)
	}
	defer db.Close()
	if err := state.EnsureStateVersion(db, cfg.AllowMigrate); err != nil {
		log.Fatalf("state version: %v (run cdpctl migrate)", err)
	}
	manager := state.NewManager(db)

	risk := cdp.DefaultConfig()
	if cfg.RiskFile != "" {
		if risk, err = cdp.LoadConfig(cfg.RiskFile); err != nil {
			log.Fatalf("load risk parameters: %v", err)
		}
	}

	ledger := bank.NewPersistentLedger(manager)
	synthetic := bank.NewSynthetic(ledger, cfg.SyntheticAddress())
	vault := bank.NewVault(ledger, cfg.CustodyAddress())

	prices := oracle.NewPriceBook(cfg.Oracle.MaxAge, cfg.Oracle.MaxDeviationBps)
	tracker := rewards.NewTracker()

	events, err := journal.Open(cfg.JournalDSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	events.SetLogger(logger)

	engine, err := cdp.NewEngine(risk, prices, synthetic, vault)
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}
	engine.SetLogger(logger.With("component", "cdp"))
	engine.SetClock(cdp.SlotClock{SlotDuration: cfg.SlotDuration})
	engine.SetAuthorizer(server.EngineAuthorizer())
	engine.SetRewardManager(tracker)
	engine.SetEventSink(events)
	engine.SetStore(state.NewStore(manager))
	if err := engine.Load(context.Background()); err != nil {
		log.Fatalf("load engine state: %v", err)
	}

	srv, err := server.New(server.Deps{
		Engine:    engine,
		Prices:    prices,
		Rewards:   tracker,
		Synthetic: synthetic,
		Journal:   events,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		Throttle: server.ThrottleConfig{
			RequestsPerMinute: cfg.Throttle.RequestsPerMinute,
			Burst:             cfg.Throttle.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("cdpd listening", "addr", cfg.ListenAddress, "collaterals", len(engine.Collaterals()))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("close journal", "error", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
