package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httphandlers "genloop/internal/handlers/http"
	"genloop/internal/infrastructure/middleware"
	"genloop/internal/infrastructure/signaling"
	webrtcinfra "genloop/internal/infrastructure/webrtc"
	"genloop/pkg/config"
	"genloop/pkg/logger"
	"genloop/pkg/tracing"
	"genloop/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fallback to defaults if config cannot be loaded
		fmt.Fprintf(os.Stderr, "%v; using defaults\n", err)
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-backend",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "backend",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	peer := webrtcinfra.PeerConfigFrom(cfg)
	backend := webrtcinfra.NewLoopbackBackend(webrtcinfra.BackendConfig{
		GenerationDelay: cfg.Backend.GenerationDelay,
		IdleTimeout:     cfg.Backend.IdleTimeout,
		Peer:            peer,
	}, utils.SystemClock, zapLogger.Named("backend"))

	wsServer := signaling.NewWebSocketServer(backend, cfg.Signaling.Timeout, log.Named("signaling"))
	offerHandler := httphandlers.NewOfferHandler(backend, backend, wsServer, cfg.Signaling.Timeout)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	offerHandler.SetupRoutes(router)

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.Backend.Address,
		Handler: router,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting genloop backend on %s", cfg.Backend.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down genloop backend...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Backend.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := backend.Close(); err != nil {
		log.Errorw("Error closing peers", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("genloop backend stopped")
}
