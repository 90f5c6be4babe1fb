package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/vango-go/care-live/pkg/gateway/config"
	"github.com/vango-go/care-live/pkg/gateway/conversation"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
	"github.com/vango-go/care-live/pkg/gateway/live/resumption"
	"github.com/vango-go/care-live/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/care-live/pkg/gateway/server"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
	"github.com/vango-go/care-live/pkg/gateway/voice"
)

// buildDependencies opens every external collaborator. The returned cleanup
// releases them in reverse order.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	client, err := upstream.NewGenAIClient(ctx, upstream.GenAIConfig{
		APIKey:     cfg.GoogleAPIKey,
		APIVersion: cfg.GenAIAPIVersion,
	})
	if err != nil {
		return gatewayserver.Dependencies{}, nil, err
	}
	dialer := upstream.GenAIDialer{Client: client}

	store, closeStore, err := openResumptionStore(ctx, cfg, logger)
	if err != nil {
		return gatewayserver.Dependencies{}, nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	deps := gatewayserver.Dependencies{
		Dialer:     dialer,
		Registry:   registry.New(),
		Resumption: store,
		Metrics:    metrics.New(cfg.MetricsNamespace),
		Voice: voice.NewService(voice.Config{
			Generator: voice.LiveGenerator{Dialer: dialer, Params: notificationParams(cfg)},
			Timeout:   cfg.NotificationTimeout,
			Logger:    logger.With("component", "voice"),
		}),
	}

	if cfg.DatabaseURL != "" {
		pool, err := conversation.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return gatewayserver.Dependencies{}, nil, err
		}
		closers = append(closers, pool.Close)
		if cfg.DatabaseMigrate {
			if err := conversation.Migrate(ctx, pool, logger); err != nil {
				cleanup()
				return gatewayserver.Dependencies{}, nil, err
			}
		}
		deps.Conversations = conversation.NewStore(pool)
	}

	return deps, cleanup, nil
}

func notificationParams(cfg config.Config) upstream.Params {
	model := cfg.NotificationModel
	if model == "" {
		model = cfg.LiveModel
	}
	return upstream.Params{
		Model:             model,
		VoiceName:         cfg.VoiceName,
		LanguageCode:      cfg.LanguageCode,
		SystemInstruction: cfg.NotificationInstruction,
		Temperature:       genai.Ptr(float32(cfg.NotificationTemperature)),
		TopP:              genai.Ptr(float32(cfg.NotificationTopP)),
	}
}

func openResumptionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (resumption.Store, func(), error) {
	switch cfg.ResumptionBackend {
	case config.ResumptionFile, "":
		return resumption.NewFileStore(cfg.ResumptionFile), nil, nil
	case config.ResumptionMemory:
		return resumption.NewMemoryStore(), nil, nil
	case config.ResumptionBadger:
		store, err := resumption.NewBadgerStore(resumption.BadgerOptions{Dir: cfg.ResumptionDir, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.ResumptionRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse CARE_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		store, err := resumption.NewRedisStore(resumption.RedisConfig{Client: client, TTL: 2 * cfg.ResumptionMaxAge})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, errors.New("unknown resumption backend " + string(cfg.ResumptionBackend))
	}
}

func runMigrations(ctx context.Context, databaseURL string, logger *slog.Logger) error {
	pool, err := conversation.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return conversation.Migrate(ctx, pool, logger)
}
