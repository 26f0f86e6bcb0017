package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/wikidot-client/pkg/client"
	"github.com/Sternrassler/wikidot-client/pkg/config"
	"github.com/Sternrassler/wikidot-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("WIKIDOT_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		log.Fatal().Err(err).Str("component", "proxy").Msg("Failed to load configuration")
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger("proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.CacheEnabled() {
		redisClient, err = connectRedis(ctx, cfg.RedisOptions(), cfg.Redis.ConnectTimeout, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	} else {
		logger.Info().Msg("Response cache disabled (no redis.addr)")
	}

	wikiClient, err := client.New(cfg.ClientConfig(redisClient))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create wikidot client")
	}
	defer wikiClient.Close()

	handler, err := newRouter(wikiClient, cfg.Server, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build router")
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("user_agent", cfg.Client.UserAgent).
		Int("max_concurrency", cfg.Client.MaxConcurrency).
		Msg("Starting wikidot proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server stopped")
}
