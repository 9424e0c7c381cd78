package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-rental/internal/booking"
	"github.com/noah-isme/backend-rental/internal/config"
	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/lock"
	"github.com/noah-isme/backend-rental/internal/notify"
	"github.com/noah-isme/backend-rental/internal/obs"
	"github.com/noah-isme/backend-rental/internal/queue"
	"github.com/noah-isme/backend-rental/internal/resilience"
	"github.com/noah-isme/backend-rental/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel, "rental-worker").With().Str("env", cfg.AppEnv).Logger()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load rental policy")
	}
	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "rental")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient, redisOpts := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	pg := store.New(pool)
	asynqOpt := asynq.RedisClientOpt{
		Addr:      redisOpts.Addr,
		Username:  redisOpts.Username,
		Password:  redisOpts.Password,
		DB:        redisOpts.DB,
		TLSConfig: redisOpts.TLSConfig,
	}
	taskClient := asynq.NewClient(asynqOpt)
	defer func() { _ = taskClient.Close() }()

	bus := &events.Bus{Store: pg, Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}}}
	if cfg.WebhookURL != "" {
		bus.Notifiers = append(bus.Notifiers, queue.WebhookEnqueuer{Client: taskClient})
	}
	bookingSvc := &booking.Service{
		Store:   pg,
		Locker:  lock.Locker{R: redisClient, Prefix: cfg.LockPrefix, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.LockTTL,
		Rules: booking.Rules{
			Slots:         policy.Slots,
			Planner:       policy.Planner(),
			Earnings:      policy.Calculator(),
			ApplyToSub:    policy.ApplyToSub,
			MaxRentalDays: policy.MaxRentalDays,
		},
		Events: bus,
		Logger: logger.With().Str("component", "booking").Logger(),
	}

	queueMetrics := queue.NewMetrics(metricsNamespace, prometheus.DefaultRegisterer)
	handler := &queue.Handler{
		Svc:     bookingSvc,
		Logger:  logger.With().Str("component", "queue").Logger(),
		Metrics: queueMetrics,
	}
	var hooks *queue.WebhookHandler
	if cfg.WebhookURL != "" {
		if err := notify.ValidateURL(cfg.WebhookURL); err != nil {
			logger.Fatal().Err(err).Msg("invalid EVENTS_WEBHOOK_URL")
		}
		breaker := resilience.NewBreaker(5, 0.5, time.Minute).
			WithTarget("events_webhook").
			WithLogger(logger).
			WithMetrics(resilience.NewMetrics(metricsNamespace, prometheus.DefaultRegisterer))
		hooks = &queue.WebhookHandler{
			Hook: &notify.Webhook{
				URL:         cfg.WebhookURL,
				Secret:      cfg.WebhookSecret,
				Topics:      cfg.WebhookTopics,
				Client:      notify.HTTPClient(5 * time.Second),
				Breaker:     breaker,
				MaxAttempts: 1,
			},
			Logger:  logger.With().Str("component", "webhook").Logger(),
			Metrics: queueMetrics,
		}
	}
	server := asynq.NewServer(asynqOpt, queue.ServerConfig(cfg.QueueConcurrency, logger))
	if err := server.Start(queue.NewServeMux(handler, hooks)); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}

	reconciler := &queue.Reconciler{
		Orders:   pg,
		Queue:    queue.Enqueuer{Client: taskClient},
		Lookback: cfg.ReconcileLookback,
		Logger:   logger.With().Str("component", "reconcile").Logger(),
	}
	scheduler, err := queue.NewScheduler(ctx, cfg.ReconcileCron, reconciler)
	if err != nil {
		logger.Fatal().Err(err).Msg("schedule reconcile")
	}
	scheduler.Start()

	logger.Info().
		Int("concurrency", cfg.QueueConcurrency).
		Time("next_reconcile", scheduler.Next()).
		Msg("worker starting")

	<-ctx.Done()
	logger.Info().Msg("worker shutting down")
	scheduler.Stop()
	server.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "rental-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, *redis.Options) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient, redisOpts
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
