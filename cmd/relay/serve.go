package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/chat-relay/internal/api"
	"github.com/felipepmaragno/chat-relay/internal/auth"
	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/discord"
	"github.com/felipepmaragno/chat-relay/internal/moderation"
	"github.com/felipepmaragno/chat-relay/internal/notifications"
	"github.com/felipepmaragno/chat-relay/internal/relay"
	"github.com/felipepmaragno/chat-relay/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when DISCORD_TOKEN is set, the Discord bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting chat relay", "addr", cfg.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, notifier, err := a.newRelay(ctx)
	if err != nil {
		return err
	}
	settings := svc.Settings()
	slog.Info("providers ready",
		"primary", settings.Primary,
		"fallback_order", svc.Router().Order(),
		"available", svc.Router().Available(),
		"epoch", svc.Epoch(),
	)
	if len(svc.Router().Available()) == 0 {
		slog.Warn("no AI providers configured, every request will fail until a credential is set")
	}

	bot := discord.New(discord.Config{
		Token:   cfg.DiscordToken,
		Relay:   svc,
		History: a.history,
		Timeout: cfg.ProviderTimeout * 2,
	})

	pipeline, err := newModeration(a, svc, bot, notifier)
	if err != nil {
		return err
	}
	bot.UseModeration(pipeline)

	authn, err := auth.NewAuthenticator(cfg.APITokenHash)
	if err != nil {
		return fmt.Errorf("API_TOKEN_HASH: %w", err)
	}

	adminCfg := api.AdminConfig{
		Relay:    svc,
		Settings: a.settingsStore,
		Build:    a.buildSettings,
	}
	var checkers []api.HealthChecker
	if a.store != nil {
		adminCfg.Usage = a.store
		adminCfg.ModerationLog = a.store
		checkers = append(checkers, api.NewDatabaseHealthChecker(a.store, a.store.Dialect().String()))
	}
	if a.redis != nil {
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(a.redis))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Relay:          svc,
		History:        a.history,
		Overrides:      a.overrides,
		Moderation:     pipeline,
		Auth:           authn,
		Admin:          api.NewAdminHandler(adminCfg),
		HealthCheckers: checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout*2 + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if bot.Enabled() {
		if err := bot.Start(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("start discord bot: %w", err)
		}
		if cfg.DigestChannelID != "" {
			if err := bot.StartDigest(ctx, cfg.DigestChannelID, cfg.DigestTime); err != nil {
				slog.Warn("daily digest disabled", "error", err)
			}
		}
	} else {
		slog.Warn("DISCORD_TOKEN not set, running HTTP API only")
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := bot.Stop(); err != nil {
		slog.Warn("failed to close discord session", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func newModeration(a *app, svc *relay.Service, bot *discord.Bot, notifier notifications.Notifier) (*moderation.Pipeline, error) {
	var alerters moderation.MultiAlerter
	if bot.Enabled() {
		alerters = append(alerters, discord.NewAlerter(bot, func() string { return svc.Settings().ModLogChannelID }))
	}
	if notifier != nil {
		alerters = append(alerters, moderation.NewSNSAlerter(notifier))
	}

	var dedup moderation.Deduplicator
	if a.redis != nil {
		dedup = moderation.NewRedisDeduplicatorWithClient(a.redis, 24*time.Hour)
	} else {
		local, err := moderation.NewInMemoryDeduplicator(0)
		if err != nil {
			return nil, err
		}
		dedup = local
	}

	opts := []moderation.Option{
		moderation.WithAlerter(alerters),
		moderation.WithDeduplicator(dedup),
		moderation.WithEnabled(func() bool { return svc.Settings().ModerationEnabled }),
	}
	if a.store != nil {
		opts = append(opts, moderation.WithLogStore(a.store))
	}

	return moderation.NewPipeline(svc, opts...), nil
}
