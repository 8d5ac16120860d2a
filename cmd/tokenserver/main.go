package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teleconsulta/internal/core/services"
	httphandlers "teleconsulta/internal/handlers/http"
	"teleconsulta/internal/infrastructure/middleware"
	"teleconsulta/internal/infrastructure/monitoring"
	"teleconsulta/internal/infrastructure/repositories"
	"teleconsulta/pkg/config"
	"teleconsulta/pkg/logger"
	"teleconsulta/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fall back to defaults so the server still comes up in development.
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "path", *configPath, "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-tokenserver",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		Version:     version,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	issuances := repoFactory.CreateIssuanceRepository()

	tokens := services.NewJoinTokenService(services.JoinTokenConfig{
		Secret:   cfg.Auth.JWTSecret,
		TTL:      cfg.Auth.TokenTTL,
		Issuer:   cfg.Auth.Issuer,
		RelayURL: cfg.TokenServer.RelayURL,
	}, issuances, log)

	collector := monitoring.NewTokenServerCollector(nil)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(issuances, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.StartBackgroundChecks(ctx, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(collector),
		middleware.CORSMiddleware(cfg.Auth.AllowedOrigins),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewTokenHandler(tokens, collector).
		SetupRoutes(router, middleware.BearerTokenMiddleware(cfg.Server.APIToken))
	httphandlers.NewHealthHandler(health).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.TokenServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.TokenServer.ReadTimeout,
		WriteTimeout: cfg.TokenServer.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting token server",
			"address", cfg.TokenServer.Address,
			"relay_url", cfg.TokenServer.RelayURL,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("token server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.TokenServer.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("token server stopped")
}
