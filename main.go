package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/api"
	"crypto-signal-engine/internal/cache"
	"crypto-signal-engine/internal/circuit"
	"crypto-signal-engine/internal/confluence"
	"crypto-signal-engine/internal/database"
	"crypto-signal-engine/internal/decision"
	"crypto-signal-engine/internal/engine"
	"crypto-signal-engine/internal/events"
	"crypto-signal-engine/internal/exchange"
	"crypto-signal-engine/internal/features"
	"crypto-signal-engine/internal/lifecycle"
	"crypto-signal-engine/internal/logging"
	"crypto-signal-engine/internal/notification"
	"crypto-signal-engine/internal/optimizer"
	"crypto-signal-engine/internal/oracle"
	"crypto-signal-engine/internal/sizing"
	"crypto-signal-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load failed")
	}

	log := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		loadVaultCredentials(ctx, cfg, log)
	}

	// Market data always comes from the exchange API; in dry-run mode order
	// execution is simulated on top of the same data.
	rest := exchange.NewRestClient(cfg.Exchange, log)

	var market features.MarketData = rest
	var executor sizing.OrderExecutor = rest
	var prices lifecycle.PriceSource = rest
	if cfg.Engine.DryRun {
		paper := exchange.NewPaper(rest, log)
		market = paper
		executor = paper
		prices = paper
		log.Info().Msg("dry-run mode, orders are simulated")
	}

	aggregator := features.NewAggregator(market, log)

	var probOracle confluence.ProbabilityOracle
	if cfg.Oracle.URL != "" {
		probOracle = oracle.NewHTTPOracle(cfg.Oracle, log)
	} else {
		probOracle = oracle.NewHeuristic()
	}

	var validator decision.ThesisValidator
	if cfg.Validator.Enabled {
		validator = oracle.NewLLMValidator(cfg.Validator, log)
	}

	breaker := circuit.NewBreaker(cfg.CircuitBreaker, cfg.Engine.InitialCapital, log)
	sizer := sizing.NewSizer(cfg.Sizing, executor, log)
	manager := lifecycle.NewManager(cfg.Sizing, prices, executor, breaker, log)
	tuner := optimizer.New(cfg.Optimizer, cfg.Risk, log)

	bus := events.NewBus()
	hub := events.NewHub(log)
	go hub.Run(ctx)
	bus.SubscribeAll(hub.BroadcastEvent)

	var repo *database.Repository
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("database init failed")
		}
		defer db.Close()
		repo = database.NewRepository(db)
	}

	var state *cache.StateCache
	if cfg.Redis.Enabled {
		state, err = cache.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, state mirroring disabled")
		} else {
			defer state.Close()
		}
	}

	var notifier notification.Notifier = notification.Noop{}
	if cfg.Notification.Enabled && cfg.Notification.Telegram.Enabled {
		tg, err := notification.NewTelegram(cfg.Notification.Telegram, log)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, notifications disabled")
		} else {
			notifier = tg
		}
	}

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Log:        log,
		Aggregator: aggregator,
		Scorer:     confluence.NewScorer(),
		Overlay:    confluence.NewOverlay(probOracle, cfg.Risk, log),
		Gate:       decision.NewGate(cfg.Risk, validator, log),
		Breaker:    breaker,
		Sizer:      sizer,
		Lifecycle:  manager,
		Optimizer:  tuner,
		Bus:        bus,
		Repo:       repo,
		StateCache: state,
		Notifier:   notifier,
	})

	if err := eng.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("state restore failed")
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg.Server, cfg.Auth, eng, hub, log)
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("api server stopped")
				cancel()
			}
		}()
	}

	go eng.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}
	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown incomplete")
		}
	}
}

// loadVaultCredentials overlays secrets from Vault onto the config. Each
// credential falls back to its config value when absent from Vault.
func loadVaultCredentials(ctx context.Context, cfg *config.Config, log zerolog.Logger) {
	client, err := vault.NewClient(cfg.Vault)
	if err != nil {
		log.Fatal().Err(err).Msg("vault client init failed")
	}

	creds, err := client.LoadCredentials(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("vault credential load failed")
	}

	if creds.ExchangeAPIKey != "" {
		cfg.Exchange.APIKey = creds.ExchangeAPIKey
	}
	if creds.ExchangeSecretKey != "" {
		cfg.Exchange.SecretKey = creds.ExchangeSecretKey
	}
	if creds.ValidatorAPIKey != "" {
		cfg.Validator.APIKey = creds.ValidatorAPIKey
	}
	if creds.TelegramBotToken != "" {
		cfg.Notification.Telegram.BotToken = creds.TelegramBotToken
	}
	log.Info().Msg("credentials loaded from vault")
}
