package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bybit-webhook-bot-go/internal/api"
	"bybit-webhook-bot-go/internal/bybit"
	"bybit-webhook-bot-go/internal/config"
	"bybit-webhook-bot-go/internal/database"
	"bybit-webhook-bot-go/internal/events"
	"bybit-webhook-bot-go/internal/ledger"
	"bybit-webhook-bot-go/internal/logger"
	"bybit-webhook-bot-go/internal/reconcile"
	"bybit-webhook-bot-go/internal/risk"
	"bybit-webhook-bot-go/internal/router"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database and ledger
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	store := ledger.NewGormLedger(db)

	// Initialize Bybit REST client
	exchange := bybit.NewClient(&cfg.Bybit, log)
	if _, err := exchange.GetServerTime(context.Background()); err != nil {
		log.Fatal("Failed to connect to Bybit API", zap.Error(err))
	}
	log.Info("Successfully connected to Bybit API.")

	// Domain event emitters: always the log, optionally NATS for the dashboard.
	emitters := events.MultiEmitter{events.NewZapEmitter(log)}
	if cfg.Events.NatsURL != "" {
		natsEmitter, err := events.NewNatsEmitter(cfg.Events.NatsURL, cfg.Events.NatsSubject, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsEmitter.Close()
		emitters = append(emitters, natsEmitter)
		log.Info("Publishing domain events to NATS", zap.String("subject", cfg.Events.NatsSubject))
	}

	// Wire the orchestrator
	governor := risk.NewGovernor(store, log)
	reconciler := reconcile.NewReconciler(exchange, store, log)
	simulator := router.NewTestExecutor(time.Now().UnixNano())
	signalRouter := router.NewRouter(store, exchange, governor, reconciler, simulator, emitters, cfg.Trading, log)

	// Start the HTTP server
	server := api.NewServer(&cfg.Server, signalRouter, log)
	server.Start()

	// Wait for shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
