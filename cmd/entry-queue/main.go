package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qms/entry-queue/internal/admission"
	"qms/entry-queue/internal/config"
	"qms/entry-queue/internal/events"
	"qms/entry-queue/internal/httpapi"
	"qms/entry-queue/internal/hub"
	"qms/entry-queue/internal/logging"
	"qms/entry-queue/internal/metrics"
	"qms/entry-queue/internal/queue"
	"qms/entry-queue/internal/snapshot"
	"qms/entry-queue/internal/store"
	"qms/entry-queue/internal/store/memory"
	"qms/entry-queue/internal/store/postgres"
	"qms/entry-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "entry-queue"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, serviceName, logger)
	if cfg.MetricsEnabled {
		metrics.Register()
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		logger.Fatal().Err(err).Msg("slot catalog")
	}

	ticketStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store")
	}
	defer closeStore()

	readyChecks := map[string]func(context.Context) error{}
	viewOptions := snapshot.Options{
		GuestStaleness: cfg.GuestStaleness,
		StaffStaleness: cfg.StaffStaleness,
		Logger:         logger,
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		cache := snapshot.NewRedisCache(client, snapshot.DefaultRedisKey)
		viewOptions.Shared = cache
		readyChecks["redis"] = cache.Ping
		logger.Info().Str("addr", cfg.RedisAddr).Msg("shared snapshot cache enabled")
	}
	view := snapshot.NewView(ticketStore, viewOptions)

	validator, err := newValidator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("admission")
	}

	realtime := hub.New(logger)
	notifiers := []events.Publisher{realtime}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("amqp")
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp publisher enabled")
	}

	coordinator := queue.New(ticketStore, catalog, queue.Options{
		Validator:        validator,
		Notifiers:        notifiers,
		View:             view,
		ExclusiveCalling: cfg.ExclusiveCalling,
		MaxPartySize:     cfg.MaxPartySize,
		Logger:           logger,
	})
	handler := httpapi.NewHandler(coordinator, httpapi.Options{
		ReadyChecks: readyChecks,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", realtime.Handler("/realtime"))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	limiter, err := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("rate limiter")
	}
	root := httpapi.CORSMiddleware(cfg.CORSAllowOrigins, limiter.Middleware(mux))
	root = httpapi.LoggingMiddleware(logger, root)

	// No WriteTimeout: sockjs streaming sessions stay open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(root, serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("store", cfg.StoreDriver).
			Bool("exclusive_calling", cfg.ExclusiveCalling).
			Int("slots", len(catalog.List())).
			Msg("entry-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown")
	}
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.TicketStore, func(), error) {
	if !strings.EqualFold(cfg.StoreDriver, config.DriverPostgres) {
		logger.Warn().Msg("using in-memory store; tickets are lost on restart")
		return memory.NewStore(memory.Options{}), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := postgres.ApplyMigrations(migrateCtx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.NewStore(pool, postgres.Options{QueryTimeout: cfg.StoreTimeout}), pool.Close, nil
}

func newValidator(cfg config.Config, logger zerolog.Logger) (admission.Validator, error) {
	switch {
	case cfg.AdmissionGateURL != "":
		return admission.NewGateClient(cfg.AdmissionGateURL, cfg.AdmissionTimeout), nil
	case cfg.AdmissionSecret != "" || cfg.AdmissionSecretHash != "":
		return admission.NewSecretValidator(cfg.AdmissionSecret, cfg.AdmissionSecretHash)
	default:
		logger.Warn().Msg("no admission secret configured; every secret_word is accepted")
		return admission.AllowAll{}, nil
	}
}
