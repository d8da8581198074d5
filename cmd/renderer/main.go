package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiostreamhq/pcm-renderer/internal/config"
	"github.com/audiostreamhq/pcm-renderer/internal/flow"
	"github.com/audiostreamhq/pcm-renderer/internal/ingest"
	"github.com/audiostreamhq/pcm-renderer/internal/observability"
	"github.com/audiostreamhq/pcm-renderer/internal/renderer"
	"github.com/audiostreamhq/pcm-renderer/internal/streamsync"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	deviceID := uuid.New().String()
	logger.Info().
		Str("port", cfg.Port).
		Str("device_id", deviceID).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("PCM Renderer Service starting")

	// Build the pipeline: ingest -> flow controller -> stream sync -> consumer
	sync := streamsync.New(streamsync.Config{
		BufferSeconds:    cfg.BufferSeconds,
		MinBufferBytes:   cfg.MinBufferBytes,
		MaxBufferBytes:   cfg.MaxBufferBytes,
		PrefillMs:        cfg.PrefillMs,
		LowRatePrefillMs: cfg.LowRatePrefillMs,
		MinPrefillBytes:  cfg.MinPrefillBytes,
		MTU:              cfg.MTU,
		DrainTimeout:     cfg.DrainTimeout(),
		StagingBytes:     cfg.StagingBytes,
	})
	controller := flow.New(flow.Config{
		MicrosleepInterval: cfg.FlowMicrosleep(),
		MaxWait:            cfg.FlowMaxWait(),
		CriticalLevel:      cfg.FlowCriticalLevel,
		ChunkBytes:         cfg.FlowChunkBytes,
	})
	rend := renderer.New(sync, controller)

	// Output sink for the pull consumer
	var out io.Writer = io.Discard
	if cfg.OutputPath != "" {
		f, err := os.Create(cfg.OutputPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.OutputPath).Msg("Failed to open output sink")
		}
		defer f.Close()
		out = f
		logger.Info().Str("path", cfg.OutputPath).Msg("Writing pulled audio to file")
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	go rend.RunConsumer(consumerCtx, out)

	// Create HTTP server
	mux := http.NewServeMux()

	// Register PCM ingest WebSocket handler
	mux.HandleFunc("/stream/pcm", ingest.HandleStreamWS(rend))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	sinkCheck := observability.ReadinessCheck{
		Name: "output_sink",
		Check: func(ctx context.Context) (bool, error) {
			if cfg.OutputPath == "" {
				return true, nil
			}
			if _, err := os.Stat(cfg.OutputPath); err != nil {
				return false, err
			}
			return true, nil
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(sinkCheck))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/stream/pcm", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Stop the consumer and drop the stream before closing the listener
	stopConsumer()
	rend.Close()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
