package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"compliance-audit-plane/backend/internal/config"
	"compliance-audit-plane/backend/internal/db"
	"compliance-audit-plane/backend/internal/hashchain"
	chainhandler "compliance-audit-plane/backend/internal/hashchain/handler"
	"compliance-audit-plane/backend/internal/hashchain/repository"
	healthhandler "compliance-audit-plane/backend/internal/health/handler"
	"compliance-audit-plane/backend/internal/server"
	"compliance-audit-plane/backend/internal/telemetry"
	otelsetup "compliance-audit-plane/backend/internal/telemetry/otel"
	"compliance-audit-plane/backend/internal/telemetry/producer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "audit-chain", cfg.OTLPInsecure)
	if err != nil {
		logger.Error("telemetry setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	providers.SetGlobal()

	var repo repository.Repository
	var pinger healthhandler.Pinger
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Error("database open failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer conn.Close()
		repo = repository.NewPostgresRepository(conn)
		pinger = conn
		logger.Info("using postgres repository")
	} else {
		repo = repository.NewMemoryRepository()
		logger.Warn("DATABASE_URL not set, using in-memory repository; chains will not survive restarts")
	}

	writer := hashchain.NewWriter(repo, hashchain.WithMaxRetries(cfg.AppendMaxRetries))
	verifier := hashchain.NewVerifier(repo, hashchain.WithBatchSize(int32(cfg.VerifyBatchSize)))

	emitters := []telemetry.EventEmitter{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		logger.Error("kafka producer setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
		emitters = append(emitters, kafkaProducer)
		logger.Info("publishing entry events to kafka",
			slog.String("topic", cfg.AuditKafkaTopic))
	}

	chain := chainhandler.New(writer, verifier, repo, logger, emitters...)
	health := healthhandler.New(pinger, logger)

	srv := server.New(cfg.HTTPAddr, logger, chain, health)
	srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(shutdownCtx)

	// Let in-flight async emits finish before the providers flush and close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}
}
