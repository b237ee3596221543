package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/api"
	"github.com/acme/voice-campaign-engine/internal/api/auth"
	"github.com/acme/voice-campaign-engine/internal/api/handlers"
	"github.com/acme/voice-campaign-engine/internal/app"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	processingQueue, err := container.Processing(ctx)
	if err != nil {
		log.Fatalf("failed to build processing queue: %v", err)
	}

	verifier, err := auth.NewVerifier(container.Config.Auth)
	if err != nil {
		container.Logger.Warn("operator routes disabled", zap.Error(err))
	}

	deps := handlers.Dependencies{
		Webhook: container.Webhook(processingQueue),
		Health:  container.Core().Health,
		Queue:   processingQueue,
		Events:  container.Repositories().Events,
		Auth:    verifier,
		Probes: map[string]handlers.Pinger{
			"postgres": container.Postgres,
			"scylla":   container.Scylla,
			"redis":    container.Redis,
		},
		Logger: container.Logger.Named("http"),
	}
	if engine, err := container.Sequences(); err != nil {
		container.Logger.Warn("sequence routes disabled", zap.Error(err))
	} else {
		deps.Sequences = engine
	}

	server := api.NewServer(container.Config.HTTP, handlers.NewHandlerSet(deps))

	container.Logger.Info("api listening", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
