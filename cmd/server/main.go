// Command server starts one broadcast-hub pod: the HTTP/SSE surface, the
// outbox drainer, the delivery-event dispatcher, the dead-letter consumer,
// and the lifecycle jobs.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/directory"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/broadcast-hub/internal/app"
	"github.com/fairyhunter13/broadcast-hub/internal/config"
	"github.com/fairyhunter13/broadcast-hub/internal/service/ratelimiter"
	"github.com/fairyhunter13/broadcast-hub/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: Postgres
	if err := postgres.Migrate(cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Infra: Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	// Infra: bus topics
	if err := redpanda.EnsureTopics(ctx, cfg.KafkaBrokers, int32(cfg.TopicPartitions), cfg.TopicSelected, cfg.TopicGroup); err != nil {
		slog.Warn("topic bootstrap failed", slog.Any("error", err))
	}

	// Repositories
	broadcastRepo := postgres.NewBroadcastRepo(pool)
	userBroadcastRepo := postgres.NewUserBroadcastRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	prefsRepo := postgres.NewPreferencesRepo(pool)
	dltRepo := postgres.NewDltRepo(pool)

	// Presence, pending cache, leases
	presence := rediscache.NewPresence(rdb, cfg.StaleThreshold(), cfg.PendingEventTTL)
	locks := rediscache.NewLocks(rdb)

	// Bus publisher
	publisher, err := redpanda.NewPublisher(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("bus publisher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer publisher.Close()

	// External user directory
	dir := directory.New(cfg.DirectoryURL, cfg.DirectoryTimeout, cfg.DirectoryMaxConcurrent)

	// Application services
	targeting := usecase.NewTargeting(dir, prefsRepo, cfg.PreferenceChunkSize)
	topics := usecase.Topics{Selected: cfg.TopicSelected, Group: cfg.TopicGroup}
	broadcastSvc := usecase.NewBroadcastService(broadcastRepo, userBroadcastRepo, targeting, topics, cfg.PodID)
	conns := usecase.NewConnectionManager(sessionRepo, presence, cfg.PodID, cfg.SSEBufferSize, cfg.HeartbeatInterval, cfg.StaleThreshold())
	delivery := usecase.NewDeliveryService(userBroadcastRepo, broadcastRepo, presence, conns, cfg.PodID)
	conns.SetReplayer(delivery)
	dltSvc := usecase.NewDltService(dltRepo, publisher)
	drainer := usecase.NewOutboxDrainer(outboxRepo, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	lifecycle := usecase.NewLifecycleController(broadcastRepo, userBroadcastRepo, sessionRepo, locks, broadcastSvc, conns, usecase.LifecycleConfig{
		Interval:         cfg.SchedulerInterval,
		BatchSize:        cfg.SchedulerBatch,
		LockMinHold:      cfg.LockMinHold,
		LockMaxHold:      cfg.LockMaxHold,
		SessionRetention: cfg.SessionRetention,
		PurgeHourUTC:     cfg.SessionPurgeHour,
	})

	// Dispatcher: per-pod group so every pod serves its local sinks.
	handler := redpanda.NewDispatchHandler(delivery, conns, presence)
	dispatcher, err := redpanda.NewDispatcher(cfg.KafkaBrokers, cfg.ConsumerGroup(), []string{cfg.TopicSelected, cfg.TopicGroup}, cfg.ConsumerMaxAttempts, handler)
	if err != nil {
		slog.Error("dispatcher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dispatcher.Close()

	// DLT ingest: shared group, one persist per record.
	dltConsumer, err := redpanda.NewDLTConsumer(cfg.KafkaBrokers, cfg.ConsumerGroupPrefix+"-dlt",
		[]string{cfg.DLTTopic(cfg.TopicSelected), cfg.DLTTopic(cfg.TopicGroup)}, dltRepo)
	if err != nil {
		slog.Error("dlt consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dltConsumer.Close()

	// Admin create guard
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, map[string]ratelimiter.BucketConfig{
		"create-broadcast": ratelimiter.NewBucketConfigFromPerMinute(cfg.CreateBroadcastPerMin),
	})

	// Background loops
	go drainer.Run(ctx)
	go conns.RunHeartbeats(ctx)
	go lifecycle.Run(ctx)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := dltConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dlt consumer stopped", slog.Any("error", err))
		}
	}()

	// HTTP server
	srv := httpserver.NewServer(broadcastSvc, conns, dltSvc, limiter, cfg.SSEIdleTimeout)
	routerHandler := app.BuildRouter(cfg, srv, app.Readiness{Pool: pool, Redis: rdb})

	srvHTTP := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: routerHandler,
		// WriteTimeout stays zero: the SSE stream is a long-lived response.
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("pod_id", cfg.PodID))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
