package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teleconsulta/internal/core/ports"
	"teleconsulta/internal/core/services"
	httphandlers "teleconsulta/internal/handlers/http"
	"teleconsulta/internal/infrastructure/media"
	"teleconsulta/internal/infrastructure/middleware"
	"teleconsulta/internal/infrastructure/monitoring"
	"teleconsulta/internal/infrastructure/notify"
	"teleconsulta/internal/infrastructure/relay"
	"teleconsulta/internal/infrastructure/repositories"
	"teleconsulta/internal/infrastructure/tokenclient"
	"teleconsulta/pkg/circuitbreaker"
	"teleconsulta/pkg/config"
	"teleconsulta/pkg/logger"
	"teleconsulta/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var version = "dev"

// backgroundLuma is the grey used behind the professional when the virtual
// background is on.
const backgroundLuma = 96

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	room := flag.String("room", "", "consultation identifier to join")
	publish := flag.Bool("publish", true, "send the camera once connected")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
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
		ServiceName: cfg.Tracing.ServiceName + "-session",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		Version:     version,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewSessionCollector(nil)

	history := notify.NewHistory(50)
	sinks := notify.Multi{notify.NewLogNotifier(log), history}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	if client := repoFactory.RedisClient(); client != nil {
		bus := notify.NewRedisNotifier(client, cfg.Redis.NoticeChannel, uuid.NewString(), log)
		go bus.Run(ctx)
		sinks = append(sinks, bus)
	}
	notifier := notify.NewCounting(sinks, collector)

	tokens := tokenclient.New(tokenclient.Config{
		Endpoint: cfg.Session.TokenEndpoint,
		Timeout:  cfg.Session.TokenTimeout,
		Breaker:  circuitbreaker.DefaultConfig(),
	}, log)

	relayClient, err := relay.NewClient(relayConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create relay client", "error", err)
	}

	camera := media.NewTestPatternDevice("camera", media.PatternConfig{
		Width:            320,
		Height:           240,
		FPS:              cfg.Session.CaptureFrameRate,
		Pattern:          media.PatternMovingBox,
		KeyframeInterval: 2 * cfg.Session.CaptureFrameRate,
	}, cfg.Session.CapturePermission)
	preview := media.NewPreviewTarget(cfg.Session.AutoplayAllowed)
	layer := services.NewLocalMediaLayer(camera, preview, notifier, log)

	loop := services.NewLoop()
	go loop.Run(ctx)

	opts := services.Options{
		ParticipantName: cfg.Session.ParticipantName,
		Publish: services.PublisherConfig{
			MaxAttempts: cfg.Session.PublishMaxAttempts,
			BackoffBase: cfg.Session.PublishBackoffBase,
		},
		Reconnect: services.ReconnectConfig{
			MaxAttempts: cfg.Session.ReconnectAttempts,
			Delay:       cfg.Session.ReconnectDelay,
		},
		Quality: services.QualityConfig{
			Window:           cfg.Session.QualityWindow,
			LongWindow:       cfg.Session.QualityLongWindow,
			LongSessionAfter: cfg.Session.LongSessionAfter,
		},
	}
	orchestrator := services.NewOrchestrator(services.Env{
		Loop:     loop,
		Notifier: notifier,
		Metrics:  collector,
		Logger:   log,
	}, relayClient, tokens, opts)

	layer.OnSourceChange("session", orchestrator.SetSource)
	startPreview(ctx, layer, cfg.Session.VirtualBackground, log)

	if err := orchestrator.SetPublishIntent(ctx, *publish); err != nil {
		log.Fatalw("failed to set publish intent", "error", err)
	}
	if *room != "" {
		if err := orchestrator.Start(ctx, *room); err != nil {
			log.Errorw("failed to start session", "room", *room, "error", err)
		}
	}

	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(orchestrator, 15*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(nil),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewHealthHandler(health).SetupRoutes(router)

	api := router.Group("/")
	api.Use(middleware.BearerTokenMiddleware(cfg.Server.APIToken))
	httphandlers.NewSessionHandler(orchestrator, gesturePreview{layer, preview}, history).SetupRoutes(api)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting session agent", "address", cfg.Server.Address, "room", *room)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("session agent server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := orchestrator.Stop(shutdownCtx); err != nil {
		log.Errorw("failed to stop session", "error", err)
	}
	layer.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("session agent stopped")
}

// startPreview opens the camera and, when asked, replaces the background.
// A missing camera is logged and the session goes on without video.
func startPreview(ctx context.Context, layer *services.LocalMediaLayer, virtualBackground bool, log *zap.SugaredLogger) {
	if err := layer.Start(ctx); err != nil {
		log.Warnw("local preview not started", "error", err)
		return
	}
	if !virtualBackground {
		return
	}

	capture := layer.ActiveSource()
	if capture == nil {
		return
	}
	processed, err := media.NewProcessedTrack(capture, capture.ID()+"-bg", media.VirtualBackground(backgroundLuma))
	if err != nil {
		log.Warnw("virtual background unavailable", "error", err)
		return
	}
	if err := layer.SetProcessedTrack(ctx, processed); err != nil {
		log.Warnw("virtual background not shown", "error", err)
	}
}

func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.PortMin = cfg.Relay.PortRange.Min
	rc.PortMax = cfg.Relay.PortRange.Max
	rc.DialTimeout = cfg.Relay.DialTimeout
	rc.PingInterval = cfg.Relay.PingInterval
	rc.PongTimeout = cfg.Relay.PongTimeout
	rc.PublishTimeout = cfg.Relay.PublishTimeout
	rc.ResumeAttempts = cfg.Relay.ResumeAttempts
	rc.ResumeDelay = cfg.Relay.ResumeDelay
	rc.ScreenDevice = media.NewTestPatternDevice("screen", media.PatternConfig{
		Width:            640,
		Height:           360,
		FPS:              5,
		Pattern:          media.PatternColorBars,
		KeyframeInterval: 10,
	}, true)

	for _, s := range cfg.Relay.ICEServers {
		rc.ICEServers = append(rc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return rc
}

// gesturePreview treats an explicit play request as the user gesture the
// render target waits for.
type gesturePreview struct {
	*services.LocalMediaLayer
	target *media.PreviewTarget
}

var _ ports.PreviewController = gesturePreview{}

func (p gesturePreview) ResumePlayback(ctx context.Context) error {
	p.target.UserGesture()
	return p.LocalMediaLayer.ResumePlayback(ctx)
}
