package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/anomaly"
	"github.com/Superandyfre/Openclaw-stock/internal/api"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/chat"
	"github.com/Superandyfre/Openclaw-stock/internal/currency"
	"github.com/Superandyfre/Openclaw-stock/internal/events"
	"github.com/Superandyfre/Openclaw-stock/internal/llm"
	"github.com/Superandyfre/Openclaw-stock/internal/logging"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/news"
	"github.com/Superandyfre/Openclaw-stock/internal/notification"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
	"github.com/Superandyfre/Openclaw-stock/internal/secrets"
	"github.com/Superandyfre/Openclaw-stock/internal/store"
	"github.com/Superandyfre/Openclaw-stock/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	genSample := flag.String("generate-config", "", "write a sample configuration to the given path and exit")
	flag.Parse()

	if *genSample != "" {
		if err := config.GenerateSample(*genSample); err != nil {
			fmt.Fprintf(os.Stderr, "generating sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample configuration written to %s\n", *genSample)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(supervisor.ExitError)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("mode", cfg.Trading.Mode).Msg("starting trading assistant")

	ctx := context.Background()

	// Vault overrides any secret the environment left empty.
	src := secrets.Best("secret", "openclaw", logger)
	fillSecret(ctx, src, "GOOGLE_AI_API_KEY", &cfg.LLM.GeminiAPIKey)
	fillSecret(ctx, src, "DEEPSEEK_API_KEY", &cfg.LLM.DeepSeekAPIKey)
	fillSecret(ctx, src, "GROQ_API_KEY", &cfg.LLM.GroqAPIKey)
	fillSecret(ctx, src, "TELEGRAM_BOT_TOKEN", &cfg.Chat.TelegramBotToken)
	fillSecret(ctx, src, "API_JWT_SECRET", &cfg.Server.JWTSecret)

	bus := events.NewEventBus()

	// Persistence tiers.
	redisStore := store.NewRedisStore(cfg.Redis, logger)
	defer redisStore.Close()

	var tradeRepo *store.TradeRepository
	if cfg.Postgres.Enabled {
		repo, err := store.NewTradeRepository(ctx, cfg.Postgres.URL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("postgres unavailable, trade history in redis only")
		} else {
			defer repo.Close()
			if err := repo.Migrate(ctx); err != nil {
				logger.Error().Err(err).Msg("trade log migration failed")
			} else {
				tradeRepo = repo
			}
		}
	}

	// Market data fan-in per instrument scope.
	var cache market.QuoteCache
	if cfg.Redis.Enabled {
		cache = redisStore
	}
	binance := market.NewBinanceStream(market.NewBinanceAdapter(""), "", logger)
	fetcher := market.NewFanIn(market.FanInConfig{}, map[asset.Scope][]market.Adapter{
		asset.ScopeSpotCrypto:   {binance},
		asset.ScopeKoreanEquity: {market.NewNaverAdapter(""), market.NewYahooAdapter("")},
		asset.ScopeUSEquity:     {market.NewYahooAdapter("")},
	}, cache, logger)

	// LLM provider chains.
	var llmRouter *llm.Router
	if cfg.LLM.Enabled {
		providers := map[string]llm.Provider{}
		if cfg.LLM.GeminiAPIKey != "" {
			providers["gemini"] = llm.NewGeminiClient(cfg.LLM.GeminiAPIKey, "")
		}
		if cfg.LLM.DeepSeekAPIKey != "" {
			providers["deepseek"] = llm.NewDeepSeekClient(cfg.LLM.DeepSeekAPIKey)
		}
		if cfg.LLM.GroqAPIKey != "" {
			providers["groq"] = llm.NewGroqClient(cfg.LLM.GroqAPIKey)
		}
		if len(providers) == 0 {
			logger.Warn().Msg("llm enabled but no provider keys set, rules-only analysis")
		} else {
			llmRouter = llm.NewRouter(cfg.LLM, providers, logger)
		}
	}

	converter := currency.New(cfg.Currency.Display, cfg.Currency.RefreshEvery,
		cfg.Currency.StaleAfter, cfg.Currency.FallbackRates, logger)

	newsAgg := news.NewAggregator(nil, 6*time.Hour, logger)

	// Position tracker with persistence and restart restore.
	tracker := position.NewTracker(cfg.Risk, logger,
		position.WithBus(bus),
		position.WithStore(&combinedStore{redis: redisStore, pg: tradeRepo}),
	)
	if persisted, err := redisStore.LoadPositions(ctx); err == nil && len(persisted) > 0 {
		tracker.Restore(persisted)
		logger.Info().Int("positions", len(persisted)).Msg("open positions restored")
	}

	monitored := monitoredAssets(cfg)
	aliases := asset.NewAliases(monitored)

	history := pipeline.NewHistory(cfg.Trading.AdviceHistoryAge, nil)
	detector := anomaly.NewDetector(anomaly.DetectorConfig{
		BaselineHorizon: cfg.Anomaly.BaselineHorizon,
		DebounceDefault: cfg.Anomaly.DebounceDefault,
		DebouncePerKind: anomalyKindWindows(cfg.Anomaly.DebouncePerKind),
		MetricHorizons:  cfg.Anomaly.MetricHorizons,
	}, logger, nil)
	pipe := pipeline.New(pipeline.Config{
		TickInterval: cfg.TickInterval(),
		HoldFloor:    cfg.Trading.VoteHoldFloor,
	}, pipeline.Deps{
		Fetcher:    fetcher,
		Detector:   detector,
		LLM:        llmRouter,
		News:       newsAgg,
		History:    history,
		Tracker:    tracker,
		Bus:        bus,
		Strategies: pipeline.DefaultStrategies(cfg.Trading.StrategyWeights),
	}, logger)

	// Outbound notifications.
	notifier := notification.NewManager(logger,
		notification.NewTelegramSender(cfg.Chat.TelegramBotToken, cfg.Chat.TelegramChatID, cfg.Notification.TelegramEnabled),
		notification.NewDiscordSender(cfg.Notification.DiscordWebhookURL, cfg.Notification.DiscordEnabled),
	)
	notifier.Attach(ctx, bus)

	sup := supervisor.New(cfg.Supervisor, bus, logger)

	for _, a := range monitored {
		a := a
		sup.Add("pipeline/"+a.ID, func(ctx context.Context) error {
			return pipe.Run(ctx, a)
		})
	}
	sup.Add("currency", converter.RunRefresher)
	sup.Add("news", func(ctx context.Context) error {
		return newsAgg.Run(ctx, 5*time.Minute)
	})

	if cfg.Chat.Enabled {
		transport := chat.NewTelegramTransport(cfg.Chat.TelegramBotToken, "", logger)
		chatRouter := chat.NewRouter(aliases, llmRouter, cfg.Chat.RuleConfidenceMin, logger)
		svc := chat.NewService(chat.ServiceDeps{
			Transport:  transport,
			Router:     chatRouter,
			Tracker:    tracker,
			Advisor:    pipe,
			History:    history,
			Fetcher:    fetcher,
			Backtester: backtest.NewEngine(logger),
			Converter:  converter,
			LLM:        llmRouter,
			Risk:       cfg.Risk,
			Users:      cfg.Auth.Users,
		}, logger)
		sup.Add("chat", svc.Run)
	}

	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server, api.Deps{
			Tracker:    tracker,
			History:    history,
			Aliases:    aliases,
			Fetcher:    fetcher,
			Backtester: backtest.NewEngine(logger),
			Risk:       cfg.Risk,
		}, logger)
		sup.Add("api", srv.Run)
	}

	os.Exit(sup.Run(ctx))
}

// combinedStore fans tracker persistence out to Redis (hot state) and
// Postgres (durable trade history).
type combinedStore struct {
	redis *store.RedisStore
	pg    *store.TradeRepository
}

func (s *combinedStore) SavePosition(p position.Position) error {
	return s.redis.SavePosition(p)
}

func (s *combinedStore) RemovePosition(id string) error {
	return s.redis.RemovePosition(id)
}

func (s *combinedStore) AppendTrade(r position.TradeRecord) error {
	if err := s.redis.AppendTrade(r); err != nil {
		return err
	}
	if s.pg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.pg.Insert(ctx, r)
	}
	return nil
}

func monitoredAssets(cfg *config.Config) []asset.Asset {
	var out []asset.Asset
	for _, e := range cfg.Assets.Equities {
		out = append(out, asset.Asset{ID: e.ID, Class: asset.ClassEquity, Name: e.Name})
	}
	for _, e := range cfg.Assets.Crypto {
		out = append(out, asset.Asset{ID: e.ID, Class: asset.ClassCrypto, Name: e.Name})
	}
	return out
}

func anomalyKindWindows(in map[string]time.Duration) map[anomaly.Kind]time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make(map[anomaly.Kind]time.Duration, len(in))
	for k, d := range in {
		out[anomaly.Kind(k)] = d
	}
	return out
}

func fillSecret(ctx context.Context, src secrets.Source, name string, dst *string) {
	if *dst != "" {
		return
	}
	if v, err := src.Get(ctx, name); err == nil {
		*dst = v
	}
}
