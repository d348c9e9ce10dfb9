package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	echoapi "github.com/finlink-dev/finlink/api/echo"
	"github.com/finlink-dev/finlink/config"
	"github.com/finlink-dev/finlink/internal/crypto"
	"github.com/finlink-dev/finlink/internal/locks"
	"github.com/finlink-dev/finlink/internal/metrics"
	"github.com/finlink-dev/finlink/log"
	"github.com/finlink-dev/finlink/mongodb"
	"github.com/finlink-dev/finlink/provider"
	"github.com/finlink-dev/finlink/scheduler"
	"github.com/finlink-dev/finlink/services"
	"github.com/finlink-dev/finlink/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal(ctx, "invalid configuration", err)
	}
	appLogger.Info(ctx, "starting finlink", map[string]interface{}{
		"http_port": cfg.HTTPPort,
		"env":       cfg.Env,
		"mongo_db":  cfg.MongoDBName,
	})

	tracerProvider, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize tracer provider", err)
	}
	defer shutdownTracer(tracerProvider, appLogger)

	metrics.Register(prometheus.DefaultRegisterer)

	// --- Persistence ---
	mongoClient, err := mongodb.Connect(ctx, cfg.MongoURI)
	if err != nil {
		appLogger.Fatal(ctx, "failed to connect to MongoDB", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			appLogger.Error(context.Background(), "error closing MongoDB connection", err)
		}
	}()

	connRepo, err := mongodb.NewConnectionRepository(ctx, mongoClient.Database(cfg.MongoDBName))
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize connection repository", err)
	}

	// --- Locking ---
	var locker locks.Locker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLogger.Fatal(ctx, "failed to connect to Redis", err)
		}
		locker = locks.NewRedisLocker(redisClient, "finlink")
		appLogger.Info(ctx, "using Redis refresh locks")
	} else {
		locker = locks.NewMemoryLocker()
		appLogger.Info(ctx, "using in-memory refresh locks (single instance only)")
	}

	// --- Crypto ---
	cipher, err := crypto.NewCipher(crypto.CipherConfig{
		Key:                     cfg.EncryptionKey,
		LegacyPlaintextFallback: cfg.LegacyPlaintextFallback,
	})
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize cipher", err)
	}
	stateCodec := crypto.NewStateCodec(crypto.StateCodecConfig{
		Secret:         cfg.StateSecret,
		AcceptUnsigned: cfg.LegacyPlaintextFallback,
	})

	// --- Provider client and services ---
	providerClient := provider.NewClient(provider.Config{
		ClientID:       cfg.ProviderClientID,
		ClientSecret:   cfg.ProviderClientSecret,
		AuthorizeURL:   cfg.ProviderAuthorizeURL,
		TokenURL:       cfg.ProviderTokenURL,
		ConnectionsURL: cfg.ProviderConnectionsURL,
		RedirectURL:    cfg.ProviderRedirectURL,
		Scopes:         strings.Fields(cfg.ProviderScopes),
	})

	refreshSvc := services.NewRefreshService(connRepo, providerClient, cipher, locker)
	healthSvc := services.NewHealthService(connRepo, refreshSvc)
	batchSvc := services.NewBatchService(connRepo, refreshSvc)
	reactivateSvc := services.NewReactivateService(connRepo, refreshSvc)
	connectSvc := services.NewConnectService(connRepo, providerClient, cipher, stateCodec)

	// --- Optional in-process scheduler ---
	if cfg.SchedulerEnabled {
		cron := scheduler.New(batchSvc)
		if err := cron.Start(); err != nil {
			appLogger.Fatal(ctx, "failed to start scheduler", err)
		}
		defer cron.Stop()
	}

	// --- HTTP server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(appLogger))

	api := echoapi.NewIntegrationAPI(connectSvc, healthSvc, batchSvc, reactivateSvc,
		cfg.SchedulerSecret, cfg.IsProduction())
	api.RegisterRoutes(e)

	e.GET("/healthz", func(c echo.Context) error {
		if err := mongodb.Ping(c.Request().Context(), mongoClient); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(context.Background(), "HTTP server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP shutdown error", err)
	}
}

func requestLogger(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			fields := map[string]interface{}{
				"method":  c.Request().Method,
				"path":    c.Request().URL.Path,
				"status":  c.Response().Status,
				"latency": time.Since(start).String(),
				"ip":      c.RealIP(),
			}
			if err != nil {
				appLogger.Error(c.Request().Context(), "http request", err, fields)
			} else {
				appLogger.Info(c.Request().Context(), "http request", fields)
			}
			return err
		}
	}
}

func shutdownTracer(tp *sdktrace.TracerProvider, appLogger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		appLogger.Error(ctx, "tracer provider shutdown error", err)
	}
}
