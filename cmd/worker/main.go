package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/api"
	"github.com/allmantool/hbudget-ledger/internal/api/handlers"
	"github.com/allmantool/hbudget-ledger/internal/app"
	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/broker/kafka"
	"github.com/allmantool/hbudget-ledger/internal/coalescer"
	"github.com/allmantool/hbudget-ledger/internal/config"
	"github.com/allmantool/hbudget-ledger/internal/ingest"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("topic", cfg.Broker.Topic).Msg("Starting ledger worker")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire components")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close components")
		}
	}()

	coal := coalescer.New(a.Orchestrator.SyncPeriod, cfg.Coalescer.Coalescer(), logger.Component(log, "coalescer"))

	lag, err := kafka.NewLagInspector(cfg.Broker.BootstrapServers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lag inspector")
	}
	defer lag.Close()

	factories := broker.Factories{
		broker.KindPaymentOperations: kafka.NewFactory(cfg.Broker.KafkaClient(), logger.Component(log, "kafka")),
	}
	handler := ingest.NewHandler(a.Writer, logger.Component(log, "ingest"))
	registry := broker.NewRegistry()
	sup, err := broker.NewSupervisor(registry, factories, broker.KindPaymentOperations, handler.Handle, lag,
		cfg.Broker.Supervisor(), logger.Component(log, "supervisor"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create consumer supervisor")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coal.Run(gctx)
	})
	g.Go(func() error {
		return a.Reader.SubscribeLive(gctx, "", coal.OnEvent)
	})
	g.Go(func() error {
		sup.RunHealthChecks(gctx)
		return nil
	})

	// Health checks top the group up again if this fails.
	if handles, err := sup.EnsureConsumers(ctx, cfg.Broker.Topic, cfg.Broker.MaxConsumers); err != nil {
		log.Error().Err(err).Int("active", len(handles)).Msg("Failed to start every consumer")
	}

	var server *http.Server
	if cfg.API.Addr != "" {
		server = api.NewServer(cfg.API.Addr, api.Deps{
			History: handlers.NewHistoryHandler(a.Projection, a.Orchestrator),
			Status:  handlers.NewStatusHandler(registry.Snapshot, coal.Stats, a.Reader),
		}, logger.Component(log, "api"))

		go func() {
			log.Info().Str("addr", cfg.API.Addr).Msg("Starting ops API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Ops API stopped")
			}
		}()
	}

	log.Info().Msg("Worker started, waiting for payment operations...")

	// Wait for interrupt signal or a component failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		log.Error().Msg("A worker component stopped unexpectedly")
	}

	log.Info().Msg("Shutting down worker...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ops API forced to shutdown")
		}
	}

	// Stop consuming before the coalescer drains
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during consumer shutdown")
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker component failed")
	}

	stats := coal.Stats()
	log.Info().
		Int64("received", stats.Received).
		Int64("coalesced", stats.Coalesced).
		Int64("triggered", stats.Triggered).
		Int64("failed", stats.Failed).
		Msg("Worker exited")
}
