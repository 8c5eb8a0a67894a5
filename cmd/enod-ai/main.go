// EnodAI analysis worker: consumes the raw metrics stream, scores
// metrics for anomalies, deduplicates alerts, dispatches LLM root-cause
// analysis, and serves the ops HTTP API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/EnodAI/EnodAI/pkg/api"
	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/consumer"
	"github.com/EnodAI/EnodAI/pkg/database"
	"github.com/EnodAI/EnodAI/pkg/dedup"
	"github.com/EnodAI/EnodAI/pkg/detector"
	"github.com/EnodAI/EnodAI/pkg/llm"
	"github.com/EnodAI/EnodAI/pkg/scheduler"
	"github.com/EnodAI/EnodAI/pkg/stream"
	"github.com/EnodAI/EnodAI/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting EnodAI worker",
		"version", version.GitCommit,
		"consumer", cfg.Redis.ConsumerName,
		"http_port", cfg.HTTPPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Database pool and persistence gateway
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	store := database.NewStore(dbClient.Pool(), cfg.Database.CommandTimeout)

	// 2. Stream client: connect and ensure the consumer group exists
	streamClient, err := stream.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to create stream client", "error", err)
		os.Exit(1)
	}
	if err := streamClient.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := streamClient.Close(); err != nil {
			slog.Error("Error closing stream client", "error", err)
		}
	}()
	slog.Info("Connected to Redis stream",
		"stream", cfg.Redis.Stream, "group", cfg.Redis.Group)

	// 3. Anomaly detector: load the artifact or bootstrap a fresh one.
	// A worker that cannot score metrics has no business consuming them.
	det := detector.New(cfg.Detector, store)
	if err := det.Init(); err != nil {
		slog.Error("Failed to initialize anomaly detector", "error", err)
		os.Exit(1)
	}

	// 4. LLM dispatcher and deduplicator
	llmClient := llm.NewClient(cfg.Ollama)
	classifier := dedup.New(store)
	slog.Info("LLM client initialized",
		"url", cfg.Ollama.URL(), "model", cfg.Ollama.Model)

	// 5. Consumer loop
	cons := consumer.New(cfg.Consumer, streamClient, det, llmClient, classifier, store)
	cons.Start(ctx)

	// 6. Retraining scheduler
	sched := scheduler.New(ctx, det)
	if err := sched.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 7. Ops HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, store, sched)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("EnodAI worker started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake first, then the scheduler, then
	// drain the HTTP server.
	cons.Stop()
	slog.Info("Consumer stopped")

	sched.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	slog.Info("Shutdown complete")
}
