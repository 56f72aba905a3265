package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-spend-authorizer/internal/anomaly"
	"agent-spend-authorizer/internal/authorization"
	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/cache"
	"agent-spend-authorizer/internal/config"
	"agent-spend-authorizer/internal/counters"
	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/events"
	"agent-spend-authorizer/internal/features"
	"agent-spend-authorizer/internal/ledger"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/middleware"
	"agent-spend-authorizer/internal/notify"
	"agent-spend-authorizer/internal/service"
	"agent-spend-authorizer/internal/tracing"
)

// app is the wired process. Every command builds one and closes it on exit.
type app struct {
	cfg     *config.Config
	store   database.Store
	redis   *redis.Client
	tracer  *tracing.Tracer
	events  *events.Manager
	kafka   *events.KafkaPublisher
	writer  *ledger.Writer
	limiter middleware.Limiter
	svc     *service.Service
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logging.Component("main")
	a := &app{cfg: cfg}

	tracer, err := tracing.InitTracing(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tracer

	store, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = store

	var (
		replay   cache.Cache = cache.NewInMemoryCache()
		velocity counters.Velocity
	)
	velocity = counters.NewInMemory(0)
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.redis = client
		replay = cache.NewRedisCache(client, "asa:")
		velocity = counters.NewRedis(client)
	}

	flags := features.NewDefaultManager(cfg.Features)
	a.events = events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		a.kafka = events.NewKafkaPublisher(events.NewKafkaWriter(brokers, cfg.Events.KafkaTopic))
		a.kafka.Attach(a.events)
		log.Info().Strs("brokers", brokers).Str("topic", cfg.Events.KafkaTopic).Msg("kafka event publisher attached")
	}

	br := breaker.New(store)
	pipeline := authorization.New(store,
		authorization.WithTimeout(cfg.DecisionTimeout()),
		authorization.WithLocation(cfg.Location()),
	)

	a.writer = ledger.New(store, velocity, a.events, ledger.Config{
		Workers:      cfg.Ledger.Workers,
		QueueSize:    cfg.Ledger.QueueSize,
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		PollInterval: time.Duration(cfg.Ledger.PollIntervalMs) * time.Millisecond,
		Lease:        time.Duration(cfg.Ledger.LeaseSeconds) * time.Second,
	})

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Alerts.WebhookURL != "" {
		notifier = notify.Multi{
			notify.LogNotifier{},
			notify.NewWebhookNotifier(cfg.Alerts.WebhookURL, time.Duration(cfg.Alerts.TimeoutMs)*time.Millisecond),
		}
	}

	detector := anomaly.New(store, br, anomaly.Config{
		Window:               time.Duration(cfg.Anomaly.WindowMinutes) * time.Minute,
		VelocityWindow:       time.Duration(cfg.Anomaly.VelocityWindowMinutes) * time.Minute,
		VelocityThreshold:    cfg.Anomaly.VelocityThresholdPerMinute,
		ScoreThreshold:       cfg.Anomaly.ScoreThreshold,
		FreezeScoreThreshold: cfg.Anomaly.FreezeScoreThreshold,
		BudgetWarningRatio:   cfg.Anomaly.BudgetWarningRatio,
		Concurrency:          cfg.Anomaly.Concurrency,
		Location:             cfg.Location(),
	},
		anomaly.WithRates(velocity),
		anomaly.WithNotifier(notifier),
		anomaly.WithDedupe(replay),
		anomaly.WithPublisher(a.events),
		anomaly.WithFlags(flags),
	)

	a.svc = service.NewService(service.Deps{
		Store:     store,
		Pipeline:  pipeline,
		Writer:    a.writer,
		Detector:  detector,
		Breaker:   br,
		Cache:     replay,
		Events:    a.events,
		Features:  flags,
		ReplayTTL: time.Duration(cfg.Authorization.ReplayTTLSeconds) * time.Second,
	})

	if cfg.RateLimit.Enabled {
		window := time.Duration(cfg.RateLimit.Window) * time.Second
		local := middleware.NewRateLimiter(cfg.RateLimit.Rate, window)
		if a.redis != nil {
			shared := middleware.NewRedisLimiter(a.redis, cfg.RateLimit.Rate, window)
			shared.Fallback = local
			a.limiter = shared
		} else {
			a.limiter = local
		}
	}

	log.Info().
		Str("database", cfg.Database.Driver).
		Bool("redis", a.redis != nil).
		Bool("tracing", cfg.Tracing.Enabled).
		Dur("decision_timeout", cfg.DecisionTimeout()).
		Str("timezone", cfg.Authorization.Timezone).
		Msg("components initialized")
	return a, nil
}

func (a *app) allowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(a.cfg.Security.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// close drains the ledger writer before tearing down what it writes to.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ledger writer: %w", err))
		}
	}
	if a.events != nil {
		a.events.Shutdown()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if rl, ok := a.limiter.(*middleware.RateLimiter); ok {
		rl.Stop()
	}
	if rl, ok := a.limiter.(*middleware.RedisLimiter); ok {
		if local, ok := rl.Fallback.(*middleware.RateLimiter); ok {
			local.Stop()
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
