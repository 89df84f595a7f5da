// Worker consumes auth events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, AUTH_EVENTS_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/config"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/telemetry/loki"
	"trend-reversal/backend/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		zl.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		zl.Fatal("worker: LOKI_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := producer.NewConsumer(brokers, cfg.AuthEventsTopic, cfg.KafkaGroupID, zl)
	defer consumer.Close()
	lokiClient := loki.NewClient(cfg.LokiURL, cfg.ExternalCallTimeout())

	zl.Info("worker: consuming auth events",
		zap.String("topic", cfg.AuthEventsTopic),
		zap.String("group", cfg.KafkaGroupID),
		zap.String("loki", cfg.LokiURL))
	if err := consumer.Run(ctx, lokiClient.PushEventJSON); err != nil {
		zl.Error("worker: consumer stopped", zap.Error(err))
	}
	zl.Info("worker: stopped")
}
