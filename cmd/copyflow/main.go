package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/copyflow/bot"
	"github.com/web3guy0/copyflow/core"
	"github.com/web3guy0/copyflow/exec"
	"github.com/web3guy0/copyflow/feeds"
	"github.com/web3guy0/copyflow/internal/config"
	"github.com/web3guy0/copyflow/internal/dashboard"
	"github.com/web3guy0/copyflow/internal/markets"
	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/reconciler"
	"github.com/web3guy0/copyflow/registry"
	"github.com/web3guy0/copyflow/risk"
	"github.com/web3guy0/copyflow/storage"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              COPYFLOW - TRADE REPLICATION ENGINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Feed side: price cache, normalizer, observation ingest on stdin
	prices := feeds.NewPriceCache(cfg.PriceCacheSize, cfg.PriceMaxAge)
	normalizer := feeds.NewNormalizer(cfg.DedupCacheSize)
	ingestor := feeds.NewIngestor(normalizer, prices, 256)
	log.Info().Msg("✅ Feed normalizer initialized")

	// 3. Subscription registry
	reg, err := registry.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load subscription registry")
	}
	log.Info().Msg("✅ Subscription registry loaded")

	// 4. Ledger
	led := ledger.New(db, prices)
	log.Info().Msg("✅ Virtual ledger initialized")

	// 5. Risk layers
	sizer := risk.NewSizer(cfg.MinOrderSize)
	gate := risk.NewGate(db, prices, cfg.SlippageBand)
	log.Info().Msg("✅ Risk layer initialized")

	// 6. Market metadata client (asset resolution + market resolutions)
	gamma := markets.NewClient(cfg.GammaURL)

	// 7. Execution router. No adapter wired here: auto mode requires a
	// venue-specific build.
	router := exec.New(led, nil, nil)

	// 8. Core engine
	engine := core.NewEngine(db, reg, sizer, gate, led, router, gamma)
	log.Info().Msg("✅ Replication engine initialized")

	// 9. Telegram bot (optional)
	var tg *bot.TelegramBot
	var notifier exec.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, db, reg, led, engine, cfg.StartingBalance)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot unavailable, continuing without notifications")
			tg = nil
		} else {
			notifier = tg
			router = exec.New(led, nil, tg)
			engine = core.NewEngine(db, reg, sizer, gate, led, router, gamma)
			tg.Start()
		}
	} else {
		log.Info().Msg("Telegram not configured, running headless")
	}

	// 10. Resolution reconciler
	rec := reconciler.New(db, led, gamma, notifier)

	// 11. Terminal dashboard (optional; log output moves aside on stderr)
	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash = dashboard.New(engine, &portfolioSource{db: db, led: led}, db)
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	go ingestor.Run(ctx, os.Stdin)
	go engine.Run(ctx, ingestor.Events())
	go led.RunSnapshots(ctx, cfg.SnapshotEvery)
	go rec.Run(ctx)
	if dash != nil {
		dash.Start()
	}

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	if dash != nil {
		dash.Stop()
	}
	if tg != nil {
		tg.Stop()
	}
	db.Close()

	log.Info().Msg("👋 Goodbye!")
}

// portfolioSource feeds the dashboard's subscriber panel from the ledger.
type portfolioSource struct {
	db  *storage.Database
	led *ledger.Ledger
}

func (p *portfolioSource) PortfolioRows() []dashboard.PortfolioRow {
	subs, err := p.db.GetAllSubscriptions()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(subs))
	var rows []dashboard.PortfolioRow
	for _, s := range subs {
		if seen[s.SubscriberID] {
			continue
		}
		seen[s.SubscriberID] = true
		v, err := p.led.Valuate(s.SubscriberID)
		if err != nil {
			continue
		}
		rows = append(rows, dashboard.PortfolioRow{
			SubscriberID: s.SubscriberID,
			Cash:         v.Cash,
			TotalValue:   v.TotalValue,
			PnL:          v.PnL,
		})
	}
	return rows
}
