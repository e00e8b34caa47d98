package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"liqsentinel/configs"
	"liqsentinel/internal/db"
	"liqsentinel/internal/logging"
	"liqsentinel/pkg/alerts"
	"liqsentinel/pkg/engine"
	"liqsentinel/pkg/fetcher"
	"liqsentinel/pkg/upstream"
	"liqsentinel/pkg/upstream/graphqlclient"
	"liqsentinel/pkg/upstream/httpclient"
	"liqsentinel/pkg/upstream/telegram"
)

func main() {
	os.Exit(run())
}

func run() int {
	dryRun := flag.Bool("dry-run", false, "suppress outbound alert sends")
	clearCache := flag.Bool("clear-cache", false, "truncate the position cache only, then exit")
	clearDB := flag.Bool("clear-db", false, "truncate position cache and alert log, then exit")
	configPath := flag.String("config", "configs/config.yml", "path to config.yml")
	flag.Parse()

	_ = godotenv.Load()

	conf, err := configs.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logger := logging.New(logging.Options{Level: conf.Log.Level, Pretty: conf.Log.Pretty})

	dsn := os.Getenv("SENTINEL_DB_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "configuration error: SENTINEL_DB_DSN is not set")
		return 2
	}

	store, err := db.NewMySQLStore(dsn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to persistence layer")
		return 1
	}
	defer store.Close()

	if *clearCache {
		if err := store.ClearPositionCache(); err != nil {
			logger.Error().Err(err).Msg("clear-cache failed")
			return 1
		}
		logger.Info().Msg("position cache cleared")
		return 0
	}
	if *clearDB {
		if err := store.ClearAll(); err != nil {
			logger.Error().Err(err).Msg("clear-db failed")
			return 1
		}
		logger.Info().Msg("position cache and alert log cleared, wallet registry preserved")
		return 0
	}

	positionClient := httpclient.New(conf.Fetcher.PositionAPIBaseURL)
	discoveryClient := graphqlclient.New(conf.Fetcher.DiscoveryAPIBaseURL)
	rateLimited := fetcher.New(positionClient, discoveryClient, logger, conf.ToFetcherOptions()...)

	notifier, err := buildNotifier(*dryRun)
	if err != nil {
		logger.Error().Err(err).Msg("configuration error: failed to build notifier")
		return 2
	}

	detector := alerts.New(store, notifier, logger)

	e, err := engine.New(engine.Config{
		Logger:            logger,
		Fetcher:           rateLimited,
		Notifier:          notifier,
		Store:             store,
		Alerts:            detector,
		Thresholds:        conf.ToCacheThresholds(),
		CohortIDs:         conf.Discovery.CohortIDs,
		NotionalOverrides: conf.Discovery.NotionalThresholds,
		SummaryCronSpec:   conf.Summary.CronSpec,
		SummaryTimezone:   conf.SummaryLocation(),
		SummaryLogPath:    conf.Summary.LogPath,
	})
	if err != nil {
		logger.Error().Err(err).Msg("configuration error: failed to build engine")
		return 2
	}

	if err := e.Restore(); err != nil {
		logger.Error().Err(err).Msg("failed to restore persisted state")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("engine exited with error")
		return 1
	}

	logger.Info().Msg("normal shutdown")
	return 0
}

func buildNotifier(dryRun bool) (upstream.Notifier, error) {
	if dryRun {
		return telegram.DryRunNotifier{}, nil
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set (or pass --dry-run)")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}
	return telegram.New(token, chatID)
}
