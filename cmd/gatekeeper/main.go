// Command gatekeeper synchronizes Discord guild roles into Hasura.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/BENDERFACToRY/gatekeeper/cache"
	"github.com/BENDERFACToRY/gatekeeper/config"
	"github.com/BENDERFACToRY/gatekeeper/discord"
	"github.com/BENDERFACToRY/gatekeeper/gatekeeper"
	"github.com/BENDERFACToRY/gatekeeper/hasura"
	"github.com/BENDERFACToRY/gatekeeper/server"
	"github.com/BENDERFACToRY/gatekeeper/telemetry"
	"github.com/BENDERFACToRY/gatekeeper/token"
)

var version = "dev"

func main() {
	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	var cfg config.Config
	kong.Parse(&cfg,
		kong.Name("gatekeeper"),
		kong.Description("Synchronizes Discord guild roles into Hasura."),
		kong.Vars(config.Vars()),
		kong.UsageOnError(),
	)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting gatekeeper", "version", version, "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "gatekeeper",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.OTLPEndpoint,
		EnablePrometheus: cfg.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	store, err := cache.OpenBackend(cfg.CacheBackend, cfg.CachePath, cfg.CacheNamespace,
		logger.With("component", "cache"))
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() { _ = store.Close() }()

	reaper := cache.NewReaper(store, cfg.CacheNamespace,
		cache.WithReaperInterval(cfg.CacheReapInterval),
		cache.WithReaperLogger(logger.With("component", "reaper")),
	)
	go reaper.Run(ctx)

	minter, err := token.NewMinter(cfg.JWTKey)
	if err != nil {
		return fmt.Errorf("creating credential minter: %w", err)
	}

	writer, err := hasura.NewWriter(cfg.GraphQLEndpoint,
		hasura.WithLogger(logger.With("component", "hasura")),
	)
	if err != nil {
		return fmt.Errorf("creating role writer: %w", err)
	}

	platform := discord.NewClient(
		discord.WithAPIURL(cfg.DiscordAPIURL),
		discord.WithBotToken(cfg.DiscordBotToken),
	)

	svc, err := gatekeeper.New(gatekeeper.Config{
		GuildID:  cfg.GuildID,
		Platform: platform,
		Cache:    cache.NewGuildCache(store),
		Minter:   minter,
		Writer:   writer,
		Logger:   logger.With("component", "gatekeeper"),
	})
	if err != nil {
		return fmt.Errorf("creating gatekeeper: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:   cfg.Address,
		AuthToken: cfg.AuthToken,
		Logger:    logger.With("component", "server"),
	}, svc)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address(), "guild_id", cfg.GuildID)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
