package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/config"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/engine"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/metrics"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/server"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/state"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "novabank-voice-gateway"
	serviceVersion    = "1.0.0"
)

func main() {
	// Optional .env for local development; a missing file is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("realtime_url", cfg.Realtime.RealtimeURL),
		slog.String("engine_model", cfg.Engine.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)
	logger.Info("Prometheus metrics initialized")

	registry := schema.NewRegistry()
	store := state.NewStore(registry)
	logger.Info("Domain schemas registered", slog.Any("domains", registry.IDs()))

	var transcriber server.Transcriber
	batchClient, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		// Batch transcription stays disabled without a credential; the HTTP
		// surface reports the configuration error per request.
		logger.Warn("Batch transcription disabled", slog.String("error", err.Error()))
	} else {
		transcriber = batchClient
	}

	broker, err := transcription.NewBroker(transcription.BrokerConfig{
		SessionEndpoint: cfg.Realtime.SessionEndpoint,
		RealtimeURL:     cfg.Realtime.RealtimeURL,
		APIKey:          cfg.Transcription.APIKey,
		Model:           cfg.Realtime.Model,
		Timeout:         cfg.Realtime.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create realtime broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conversationEngine, err := engine.New(engine.Config{
		Model:       cfg.Engine.Model,
		Temperature: cfg.Engine.Temperature,
		Timeout:     cfg.Engine.GetTimeoutDuration(),
	}, openai.NewClient(cfg.Transcription.APIKey), registry, store, logger)
	if err != nil {
		logger.Error("Failed to create conversation engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := server.NewServer(cfg, transcriber, broker, conversationEngine, store,
		appMetrics, promRegistry, logger)
	logger.Info("HTTP server initialized",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Listen()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if batchClient != nil {
		stats := batchClient.GetStats()
		logger.Info("Final transcription statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Uint64("total_retries", stats.TotalRetries),
		)
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
