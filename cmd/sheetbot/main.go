package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/HugeFrog24/sheetbot/internal/bot"
	"github.com/HugeFrog24/sheetbot/internal/clock"
	"github.com/HugeFrog24/sheetbot/internal/config"
	"github.com/HugeFrog24/sheetbot/internal/logger"
	"github.com/HugeFrog24/sheetbot/internal/metrics"
	"github.com/HugeFrog24/sheetbot/internal/server"
	"github.com/HugeFrog24/sheetbot/internal/sheets"
	"github.com/HugeFrog24/sheetbot/internal/sheetsync"
	"github.com/HugeFrog24/sheetbot/internal/state"
	"github.com/HugeFrog24/sheetbot/internal/storage"
	"github.com/HugeFrog24/sheetbot/internal/webhook"
)

func main() {
	env, err := config.LoadEnv(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading environment: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(env.LogLevel, env.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting sheetbot")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, env, log); err != nil {
		log.Fatal("Fatal error", zap.Error(err))
	}
	log.Info("All bots have stopped. Exiting application.")
}

func run(ctx context.Context, env *config.Env, log *zap.Logger) error {
	store, err := storage.Open(ctx, env.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	configs, err := config.LoadAll(env.ConfigDir, log)
	if err != nil {
		return fmt.Errorf("load configurations: %w", err)
	}
	if len(configs) == 0 {
		return fmt.Errorf("no active bot configurations in %s", env.ConfigDir)
	}

	realClock := clock.Real{}

	var states state.Store
	if env.RedisAddr != "" {
		rs := state.NewRedisStore(state.NewRedisClient(env.RedisAddr, env.RedisPassword, env.RedisDB), env.StateTTL, realClock)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		states = rs
		log.Info("Using redis conversation state", zap.String("addr", env.RedisAddr))
	} else {
		states = state.NewMemoryStore(env.StateTTL, realClock)
	}

	m := metrics.New()

	var wg sync.WaitGroup

	if env.HTTPAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, env.HTTPAddr, server.NewRouter(m.Registry, store), log.Named("http")); err != nil {
				log.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg config.BotConfig) {
			defer wg.Done()
			if err := runBot(ctx, cfg, env, store, states, m, log); err != nil {
				log.Error("Bot failed", zap.String("bot", cfg.ID), zap.Error(err))
			}
		}(cfg)
	}

	wg.Wait()
	return nil
}

// runBot wires one bot with its optional syncer and webhook and blocks
// until ctx is done.
func runBot(ctx context.Context, cfg config.BotConfig, env *config.Env, store *storage.Store, states state.Store, m *metrics.Metrics, log *zap.Logger) error {
	realClock := clock.Real{}
	deps := bot.Deps{
		Store:   store,
		States:  states,
		Clock:   realClock,
		Logger:  logger.For(log, cfg.ID, "bot"),
		Metrics: m,
	}

	var syncer *sheetsync.Syncer
	switch {
	case cfg.SpreadsheetID == "":
	case env.CredentialsFile == "":
		log.Warn("Spreadsheet configured but GOOGLE_APPLICATION_CREDENTIALS is not set, sync disabled", zap.String("bot", cfg.ID))
	default:
		client, err := sheets.NewServiceAccount(ctx, env.CredentialsFile, cfg.SpreadsheetID, cfg.SheetName)
		if err != nil {
			return fmt.Errorf("sheets client: %w", err)
		}
		botRow, err := store.EnsureBot(ctx, cfg.ID)
		if err != nil {
			return err
		}
		syncer = sheetsync.New(sheetsync.Config{
			BotID:             botRow.ID,
			BotName:           cfg.ID,
			Location:          cfg.Location,
			BatchSize:         cfg.SyncBatchSize,
			Interval:          cfg.SyncEvery,
			RequestsPerMinute: cfg.SheetsRequestsPerMinute,
		}, store, client, realClock, logger.For(log, cfg.ID, "sheetsync"), m)
		deps.Syncer = syncer
	}

	if cfg.WebhookURL != "" {
		deps.Notifier = webhook.NewClient(cfg.WebhookURL, cfg.WebhookSecret, logger.For(log, cfg.ID, "webhook"))
	}

	b, err := bot.New(ctx, cfg, deps)
	if err != nil {
		return err
	}
	if err := b.Connect(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if syncer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncer.Run(ctx)
		}()
	}

	log.Info("Starting bot", zap.String("bot", cfg.ID))
	b.Start(ctx)
	wg.Wait()
	return nil
}
