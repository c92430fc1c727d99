package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"transcribe/api"
	"transcribe/config"
	"transcribe/models"
	"transcribe/services"
	"transcribe/worker"
)

// app holds the long-lived resources shared by every command.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	pool   *worker.Pool
	checks map[string]api.Pinger
	close  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, checks: map[string]api.Pinger{}}

	deps := worker.Deps{Logger: logger}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := services.NewMemoryStore()
		deps.Jobs, deps.Mappings, deps.Tiers, deps.Usage = store, store, store, store
		deps.Index = services.NewMemoryIndex()
		logger.Warn("using in-memory store; state is lost on exit")

	default:
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.close = append(a.close, db.Close)
		a.checks["postgres"] = db.Ping
		deps.Jobs, deps.Mappings, deps.Tiers, deps.Usage = db, db, db, db
		logger.Info("connected to database")

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.close = append(a.close, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		deps.Index = services.NewRedisActiveIndex(client, cfg.RedisPrefix)
		logger.WithField("addr", cfg.RedisAddr).Info("connected to redis")
	}

	inference := services.NewInferenceService(cfg.InferencePrimaryURL, cfg.InferenceFallbackURL,
		cfg.InferenceAPIKey, cfg.InferenceTimeout)
	if cfg.InferenceRateLimit > 0 {
		inference.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.InferenceRateLimit), cfg.InferenceBurst))
	}
	deps.Inference = inference

	if cfg.S3Bucket != "" {
		s3svc, err := services.NewS3Service(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init s3: %w", err)
		}
		deps.Inputs = s3svc
	} else {
		deps.Inputs = services.PassthroughResolver{}
	}

	a.pool = worker.NewPool(deps, worker.Options{
		WebhookURL:          cfg.WebhookURL(),
		MaxRetries:          cfg.MaxRetries,
		MaxDispatchAttempts: cfg.MaxDispatchAttempts,
		TierLimits: map[models.Tier]int64{
			models.TierPremium: int64(cfg.TierLimitPremium),
			models.TierPaid:    int64(cfg.TierLimitPaid),
			models.TierTrial:   int64(cfg.TierLimitTrial),
		},
		QueueBatchSize:     cfg.QueueBatchSize,
		ReconcileBatchSize: cfg.ReconcileBatchSize,
		StallThreshold:     cfg.StallThreshold,
		MappingRetention:   cfg.MappingRetention,
	})

	logger.WithFields(logrus.Fields{
		"store":     cfg.StoreDriver,
		"endpoints": inference.Endpoints(),
		"webhook":   cfg.WebhookURL(),
	}).Info("orchestrator initialised")
	return a, nil
}

func (a *app) Close() {
	for i := len(a.close) - 1; i >= 0; i-- {
		if err := a.close[i](); err != nil {
			a.logger.WithError(err).Warn("error while closing resource")
		}
	}
	a.close = nil
}
