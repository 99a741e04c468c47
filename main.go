package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-aggregator/internal/aggregator"
	"trading-aggregator/internal/api"
	"trading-aggregator/internal/bus"
	"trading-aggregator/internal/catalog"
	"trading-aggregator/internal/downstream"
	"trading-aggregator/internal/events"
	"trading-aggregator/internal/market"
	"trading-aggregator/internal/metrics"
	"trading-aggregator/internal/risk"
	"trading-aggregator/internal/sltp"
	"trading-aggregator/internal/sources"
	"trading-aggregator/pkg/config"
	"trading-aggregator/pkg/db"
	"trading-aggregator/pkg/ident"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 fatal runtime loss.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		return 1
	}
	setupLogger(cfg.Log)
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	instanceID := ident.InstanceID()
	log.Info().Str("instance", instanceID).Msg("trading aggregator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.New(cfg.Catalog.DBPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Catalog.DBPath).Msg("open database")
		return 1
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Error().Err(err).Msg("apply migrations")
		return 1
	}

	cat, err := catalog.Load(store, cfg.Catalog.SeedDefaults, cfg.SLTP.TickOverrides)
	if err != nil {
		log.Error().Err(err).Msg("load contract catalog")
		return 1
	}

	ev := events.NewBus()

	adapter := bus.NewAdapter(cfg.Bus, instanceID, ev)
	if err := adapter.Start(ctx); err != nil {
		log.Error().Err(err).Msg("bus adapter start")
		return 1
	}
	defer adapter.Close()

	cm := downstream.NewClient(adapter, cfg.Downstream)
	riskEng := risk.NewEngine(cfg.Risk, risk.NewJournal(store), ev)

	// Daily counters roll over at the configured session boundary.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Risk.SessionBoundary, riskEng.ResetSession); err != nil {
		log.Error().Err(err).Str("spec", cfg.Risk.SessionBoundary).Msg("invalid session boundary")
		return 1
	}
	sched.Start()
	defer sched.Stop()

	core, err := aggregator.NewCore(aggregator.Deps{
		Cfg:     cfg,
		Risk:    riskEng,
		SLTP:    sltp.NewCalculator(cfg.SLTP),
		Sources: sources.NewRegistry(),
		Catalog: cat,
		Prices:  market.NewPriceBook(0),
		Broker:  cm,
		Events:  ev,
	})
	if err != nil {
		log.Error().Err(err).Msg("build core")
		return 1
	}
	go core.Run(ctx)

	// Best-effort: fold the broker's live contract list into the catalog.
	go func() {
		rctx, rcancel := context.WithTimeout(ctx, cfg.Downstream.QueryTimeout)
		defer rcancel()
		contracts, err := cm.GetActiveContracts(rctx)
		if err != nil {
			log.Warn().Err(err).Msg("contract refresh skipped")
			return
		}
		if err := cat.Refresh(contracts); err != nil {
			log.Warn().Err(err).Msg("contract refresh failed")
			return
		}
		log.Info().Int("contracts", len(contracts)).Msg("catalog refreshed from connection manager")
	}()

	bridge := aggregator.NewBridge(adapter, core, cfg, ev)
	if err := bridge.Start(ctx); err != nil {
		log.Error().Err(err).Msg("bridge start")
		return 1
	}
	defer bridge.Close()

	col := metrics.NewCollector(cfg.Monitoring, ev, core)
	go col.Run(ctx)

	hub := api.NewHub(ev, func() any { return col.Snapshot() }, cfg.Monitoring.WSHeartbeat)
	go hub.Run(ctx)

	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(cfg, core, col, riskEng, adapter, hub, instanceID)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	exit := 0
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-adapter.Fatal():
		log.Error().Err(err).Msg("bus outage exceeded the fatal window")
		exit = 2
	case err := <-serverErr:
		log.Error().Err(err).Msg("monitoring server failed")
		exit = 2
	}

	// Stop intake and fail whatever is still queued, then take the HTTP
	// surface down. The journal is written incrementally, nothing to flush.
	if drained := core.Shutdown(5 * time.Second); drained > 0 {
		log.Info().Int("drained", drained).Msg("queued orders failed on shutdown")
	}
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := server.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	cancel()
	core.Queue().Close()

	log.Info().Msg("trading aggregator stopped")
	return exit
}

func setupLogger(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
