package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-relay/internal/api"
	"github.com/felipepmaragno/chat-relay/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/conversation"
	"github.com/felipepmaragno/chat-relay/internal/crypto"
	"github.com/felipepmaragno/chat-relay/internal/httputil"
	"github.com/felipepmaragno/chat-relay/internal/notifications"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/queue"
	"github.com/felipepmaragno/chat-relay/internal/ratelimit"
	"github.com/felipepmaragno/chat-relay/internal/relay"
	"github.com/felipepmaragno/chat-relay/internal/repository"
	"github.com/felipepmaragno/chat-relay/internal/router"
	"github.com/felipepmaragno/chat-relay/internal/secrets"
	"github.com/felipepmaragno/chat-relay/internal/usage"
)

// app holds the components every subcommand shares. Optional backends are nil when
// their configuration is absent.
type app struct {
	cfg *config.Config

	store   *repository.SQLStore
	redis   *redis.Client
	secrets secrets.SecretStore
	// http is shared by every provider client of every epoch.
	http *http.Client

	history       conversation.Store
	overrides     conversation.OverrideStore
	settingsStore api.SettingsStore

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, http: httputil.NewClient(httputil.DefaultConfig())}
	a.closers = append(a.closers, func() error {
		a.http.CloseIdleConnections()
		return nil
	})

	if cfg.DatabaseURL != "" {
		store, err := repository.Open(ctx, cfg.DatabaseURL, cfg.HistoryMaxPerChannel)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		a.history = store
		a.overrides = store
		a.settingsStore = store
		slog.Info("using sql store", "dialect", store.Dialect())

		if cfg.SettingsKey != "" {
			enc, err := crypto.NewEncryptor(cfg.SettingsKey)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("SETTINGS_ENCRYPTION_KEY: %w", err)
			}
			a.settingsStore = crypto.NewSealedSettings(store, enc)
		} else {
			slog.Warn("SETTINGS_ENCRYPTION_KEY not set, credential overrides are stored in plain text")
		}
	} else {
		memory := conversation.NewMemoryStore(cfg.HistoryMaxPerChannel)
		a.history = memory
		a.overrides = memory
		a.settingsStore = api.NewMemorySettingsStore()
		slog.Info("using in-memory conversation store")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	if cfg.AWSRegion != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init secrets manager: %w", err)
		}
		a.secrets = sm
	}

	return a, nil
}

// buildSettings layers persisted overrides over the process configuration. Cached
// secrets are dropped first so a rebuild picks up rotated values.
func (a *app) buildSettings(ctx context.Context, persisted map[string]string) (config.Settings, error) {
	if sm, ok := a.secrets.(*secrets.AWSSecretsManager); ok {
		sm.ClearCache()
	}
	return a.cfg.Settings(ctx, persisted, a.secrets)
}

func (a *app) loadSettings(ctx context.Context) (config.Settings, error) {
	persisted, err := a.settingsStore.LoadSettings(ctx)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load persisted settings: %w", err)
	}
	return a.buildSettings(ctx, persisted)
}

func (a *app) newRouter(ctx context.Context, settings config.Settings) *router.Router {
	var cbOpts []circuitbreaker.ManagerOption
	if a.cfg.UseDistributedCircuitBreaker && a.redis != nil {
		cbOpts = append(cbOpts, circuitbreaker.WithRedisClient(a.redis))
		slog.Info("using distributed circuit breaker")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), cbOpts...)

	return router.New(ctx, settings,
		router.WithFactory(provider.DefaultFactory(a.http)),
		router.WithTimeout(a.cfg.ProviderTimeout),
		router.WithCircuitBreakers(breakers),
	)
}

func (a *app) newLimiter(settings config.Settings) (*ratelimit.Limiter, error) {
	if a.cfg.UseDistributedRateLimit && a.redis != nil {
		slog.Info("using redis rate limiter")
		return ratelimit.NewLimiter(ratelimit.NewRedisBucketsWithClient(a.redis), settings.RateLimit), nil
	}

	buckets, err := ratelimit.NewMemoryBuckets(a.cfg.BucketCacheSize)
	if err != nil {
		return nil, err
	}
	slog.Info("using in-memory rate limiter", "max_buckets", a.cfg.BucketCacheSize)
	return ratelimit.NewLimiter(buckets, settings.RateLimit), nil
}

// usageSink sends events to the queue when one is configured, otherwise straight to
// the database.
func (a *app) usageSink(ctx context.Context) (usage.Sink, error) {
	if a.cfg.UsageQueueURL != "" {
		q, err := queue.NewSQSQueue(ctx, a.cfg.AWSRegion, a.cfg.UsageQueueURL)
		if err != nil {
			return nil, fmt.Errorf("init usage queue: %w", err)
		}
		slog.Info("usage events go to sqs", "queue_url", a.cfg.UsageQueueURL)
		return usage.NewQueueSink(q), nil
	}
	if a.store != nil {
		return a.store, nil
	}
	return nil, nil
}

func (a *app) notifier(ctx context.Context) (notifications.Notifier, error) {
	if a.cfg.ModerationTopicARN == "" {
		return nil, nil
	}
	n, err := notifications.NewSNSNotifier(ctx, a.cfg.AWSRegion, a.cfg.ModerationTopicARN)
	if err != nil {
		return nil, fmt.Errorf("init sns notifier: %w", err)
	}
	slog.Info("notifications go to sns", "topic_arn", a.cfg.ModerationTopicARN)
	return n, nil
}

// newRelay assembles the message path for the current settings epoch.
func (a *app) newRelay(ctx context.Context) (*relay.Service, notifications.Notifier, error) {
	settings, err := a.loadSettings(ctx)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := a.newLimiter(settings)
	if err != nil {
		return nil, nil, err
	}

	opts := []relay.Option{
		relay.WithOverrides(a.overrides),
		relay.WithHistoryLimit(a.cfg.HistoryLimit),
	}

	sink, err := a.usageSink(ctx)
	if err != nil {
		return nil, nil, err
	}
	if sink != nil {
		opts = append(opts, relay.WithUsageSink(sink))
	}

	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, nil, err
	}
	if notifier != nil {
		opts = append(opts, relay.WithNotifier(notifier))
	}

	svc := relay.New(a.newRouter(ctx, settings), limiter, a.history, settings, opts...)
	return svc, notifier, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
