package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"nexusvoice/internal/core/services"
	httphandlers "nexusvoice/internal/handlers/http"
	"nexusvoice/internal/infrastructure/middleware"
	"nexusvoice/internal/infrastructure/monitoring"
	"nexusvoice/internal/infrastructure/repositories"
	"nexusvoice/internal/infrastructure/signal"
	"nexusvoice/pkg/config"
	"nexusvoice/pkg/logger"
	"nexusvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/nexusvoice/config.yaml",
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

	// Initialize logger
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	if cfg.Monitoring.TracingEnabled {
		tracerCfg := tracing.DefaultConfig()
		tracerCfg.Enabled = true
		if cfg.Monitoring.JaegerURL != "" {
			tracerCfg.JaegerURL = cfg.Monitoring.JaegerURL
		}
		tp, err := tracing.Init(tracerCfg)
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
			log.Info("Tracing enabled")
		}
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	registry := repoFactory.CreateRoomRegistry()

	// Initialize monitoring
	prometheusCollector := monitoring.NewPrometheusCollector()

	// Initialize services
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// The websocket server is both the transport and the Messenger the
	// coordinator broadcasts through, so they are wired in two steps.
	wsServer := signal.NewWebSocketServer(authService, prometheusCollector, cfg, log)
	voiceService := services.NewVoiceService(registry, wsServer, prometheusCollector, log)
	wsServer.SetVoiceService(voiceService)

	// Initialize HTTP handlers
	voiceHandler := httphandlers.NewVoiceHandler(voiceService, authService, cfg.Auth.DevTokens)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Monitoring.TracingEnabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Signaling endpoint (token is validated before the upgrade)
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// REST routes
	voiceHandler.SetupRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	// Readiness endpoint (checks Redis if enabled)
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting NexusVoice signal server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down NexusVoice signal server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
}
