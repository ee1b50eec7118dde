package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/services"
	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/repositories"
	signalserver "huddle/internal/infrastructure/signal"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/huddle/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     cfg.Tracing.Enabled,
			ServiceName: cfg.Tracing.ServiceName,
			JaegerURL:   cfg.Tracing.JaegerURL,
			Environment: cfg.Tracing.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Fatalw("failed to initialize tracing", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		}()
	}

	repo, closeRepo, err := repositories.NewPresenceRepository(cfg, log)
	if err != nil {
		log.Fatalw("failed to create presence repository", "error", err)
	}
	defer closeRepo()

	collector := monitoring.NewPrometheusCollector()

	presenceService := services.NewPresenceService(
		repo,
		cfg.Presence.StalenessTimeout,
		cfg.Presence.SweepInterval,
		log,
		services.WithSweepMetrics(collector),
	)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go presenceService.StartSweeper(sweepCtx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(middleware.RequestLoggerMiddleware(zapLogger))
	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewHTTPRateLimitMiddleware(
			cfg.RateLimiting.HTTP.RequestsPerSecond,
			cfg.RateLimiting.HTTP.Burst,
			cfg.RateLimiting.HTTP.MaxConcurrent,
		))
	}
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	presenceHandler := httphandlers.NewPresenceHandler(presenceService, collector)
	router.Use(presenceHandler.MetricsMiddleware())
	presenceHandler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Signaling server on its own listener
	wsServer := signalserver.NewWebSocketServer(cfg.Signal.PingInterval, cfg.Signal.PongTimeout, log)
	signalMux := http.NewServeMux()
	signalMux.HandleFunc(cfg.Signal.Path, wsServer.HandleWebSocket)
	signalMux.HandleFunc("/health", wsServer.HealthCheck)

	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting presence registry", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address, "path", cfg.Signal.Path)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Monitoring.PrometheusEnabled {
		go monitoring.ServeMetrics(cfg.Monitoring.PrometheusPort, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		stopSweeper()
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("registry shutdown failed", "error", err)
	}
	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("signaling shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
}
