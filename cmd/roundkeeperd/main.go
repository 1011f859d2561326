// Package main provides roundkeeperd - the round engine daemon.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/priceduel/roundengine/internal/api"
	"github.com/priceduel/roundengine/internal/joinhandler"
	"github.com/priceduel/roundengine/internal/keeper"
	"github.com/priceduel/roundengine/internal/ledger"
	"github.com/priceduel/roundengine/internal/onchain"
	"github.com/priceduel/roundengine/internal/oracle"
	"github.com/priceduel/roundengine/internal/roundsconfig"
	"github.com/priceduel/roundengine/internal/settlement"
	"github.com/priceduel/roundengine/internal/transfer"
	"github.com/priceduel/roundengine/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Data directory, overrides DATA_DIR")
		listenAddr  = flag.String("listen", "", "API listen address, overrides LISTEN_ADDR")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides LOG_LEVEL")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	cfg := roundsconfig.Load()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("roundkeeperd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if cfg.ExpectedTreasuryWallet == "" {
		log.Warn("EXPECTED_TREASURY_WALLET is unset; settlement will plan no fee transfer")
	}

	if cfg.ProgramID != "" {
		configPDA, bump := onchain.DeriveConfigPDA(cfg.ProgramID)
		log.Info("on-chain custody mode", "program_id", cfg.ProgramID, "config_pda", configPDA, "bump", bump)
	} else {
		log.Info("server-custody mode; no on-chain program configured")
	}

	l, err := ledger.New(&ledger.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("failed to open ledger", "error", err)
	}
	defer l.Close()
	log.Info("ledger opened", "data_dir", cfg.DataDir)

	var o oracle.Port = oracle.NewStatic()
	if cfg.OracleBaseURL != "" {
		o = oracle.NewSingleFlightCache(oracle.NewHTTPPort(cfg.OracleBaseURL))
		log.Info("oracle configured", "base_url", cfg.OracleBaseURL)
	} else {
		log.Warn("ORACLE_BASE_URL is unset; running against an in-memory static oracle")
	}

	facility, err := transfer.NewLedgerBackedFacility(l.DB())
	if err != nil {
		log.Fatal("failed to initialize transfer facility", "error", err)
	}

	engine := settlement.New(l, o, facility, cfg)
	entries := joinhandler.New(l, nil, cfg)
	k := keeper.New(l, o, engine, cfg)

	server := api.New(l, o, engine, entries, cfg)

	engine.OnEvent(server.BroadcastEvent)
	k.OnEvent(server.BroadcastEvent)

	if err := server.Start(cfg.ListenAddr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}
	k.Start()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	k.Stop()
	if err := server.Stop(); err != nil {
		log.Error("error stopping api server", "error", err)
	}
	log.Info("goodbye")
}

func printBanner(log *logging.Logger, cfg *roundsconfig.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  roundkeeperd %s", version)
	log.Info("=================================================")
	log.Infof("  API: http://%s", cfg.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.ListenAddr)
	log.Infof("  Cycle: open=%ds lock=%ds settle=%ds", cfg.OpenSeconds, cfg.LockSeconds, cfg.SettleSeconds)
	log.Infof("  Fee: %d bps", cfg.FeeBps)
	log.Infof("  Joins paused: %v | Settlement paused: %v", cfg.PauseJoins, cfg.PauseSettle)
	log.Info("=================================================")
	log.Info("")
}
