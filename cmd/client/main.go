package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/infrastructure/display"
	"genloop/internal/infrastructure/monitoring"
	"genloop/internal/infrastructure/prompt"
	"genloop/internal/infrastructure/signaling"
	webrtcinfra "genloop/internal/infrastructure/webrtc"
	"genloop/pkg/config"
	"genloop/pkg/logger"
	"genloop/pkg/tracing"
	"genloop/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config")
	loopback := pflag.Bool("loopback", false, "answer offers with an in-process backend instead of signaling.url")
	promptText := pflag.StringP("prompt", "p", "", "submit this prompt once instead of reading prompts from stdin")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "client",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Errorw("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("tracing shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionCfg := webrtcinfra.SessionConfigFrom(cfg)

	var exchange ports.SignalingExchange
	if *loopback {
		sessionCfg.Peer.IncludeLoopback = true
		backendPeer := sessionCfg.Peer
		backend := webrtcinfra.NewLoopbackBackend(webrtcinfra.BackendConfig{
			GenerationDelay: cfg.Backend.GenerationDelay,
			IdleTimeout:     cfg.Backend.IdleTimeout,
			Peer:            backendPeer,
		}, utils.SystemClock, zapLogger.Named("backend"))
		defer backend.Close()
		exchange = backend
		log.Info("using in-process loopback backend")
	} else {
		exchange, err = signaling.NewExchange(cfg.Signaling.Transport, cfg.Signaling.URL, cfg.Signaling.Timeout, log.Named("signaling"))
		if err != nil {
			log.Errorw("failed to create signaling exchange", "error", err)
			return 1
		}
	}

	defaults := domain.PromptCandidate{
		Seed:   cfg.Prompt.Seed,
		Height: cfg.Prompt.Height,
		Width:  cfg.Prompt.Width,
	}
	var source ports.PromptSource
	if *promptText != "" {
		defaults.Text = *promptText
		source = prompt.NewStaticSource(defaults)
	} else {
		reader := prompt.NewReaderSource(os.Stdin, defaults, log.Named("prompt"))
		go func() {
			if err := reader.Run(ctx); err != nil {
				log.Warnw("prompt input stopped", "error", err)
			}
		}()
		source = reader
		log.Info("reading prompts from stdin (:seed N, :size WxH)")
	}

	var sink ports.DisplaySink = display.NewLogSink(log.Named("display"))
	if cfg.Display.Path != "" {
		sink = display.MultiSink{display.NewFileSink(cfg.Display.Path, log.Named("display")), sink}
	}

	var metrics ports.MetricsRecorder = ports.NopMetricsRecorder{}
	health := monitoring.NewHealthChecker()
	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitoring.NewPrometheusCollector(registry)

		metricsServer = &http.Server{
			Addr:              cfg.Monitoring.Address,
			Handler:           monitoring.NewMetricsRouter(registry, health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("Serving metrics on %s", cfg.Monitoring.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	session := webrtcinfra.NewPeerSession(sessionCfg, webrtcinfra.SessionDeps{
		Signaling: exchange,
		Source:    source,
		Sink:      sink,
		Clock:     utils.SystemClock,
		Metrics:   metrics,
	}, zapLogger)
	health.AddFlagCheck("data_channel", "data channel not open", session.Ready)

	if err := session.Start(ctx); err != nil {
		var negErr *domain.NegotiationError
		if errors.As(err, &negErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", negErr)
		} else {
			log.Errorw("session failed to start", "error", err)
		}
		shutdownMetrics(metricsServer, log)
		return 1
	}
	log.Infow("session started", "session_id", session.ID())

	go printTransitions(session.Transitions())

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case <-session.Done():
	}

	if err := session.Stop(); err != nil {
		log.Warnw("session stopped with errors", "error", err)
	}
	shutdownMetrics(metricsServer, log)

	log.Info("genloop client stopped")
	return 0
}

// printTransitions writes one status line per state change.
func printTransitions(transitions <-chan domain.Transition) {
	for t := range transitions {
		fmt.Fprintf(os.Stdout, "%-14s %s -> %s (+%s)\n", t.Component, t.From, t.To, t.Display)
	}
}

func shutdownMetrics(srv *http.Server, log *zap.SugaredLogger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("metrics server shutdown failed", "error", err)
	}
}
