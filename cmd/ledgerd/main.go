package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"txledger/internal/application"
	"txledger/internal/config"
	"txledger/internal/infrastructure/ethrpc"
	"txledger/internal/infrastructure/kafka"
	"txledger/internal/infrastructure/logging"
	"txledger/internal/infrastructure/storage"
	"txledger/internal/infrastructure/telemetry"
	"txledger/internal/interfaces/httpapi"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledgerd exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logCloser, err := logging.Init(logging.Config{
		Service:    "ledgerd",
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, "ledgerd", version, cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "err", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpapi.NewMetrics(registry)

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := ethrpc.NewClient(ethrpc.Config{
		URL:      cfg.NodeEndpoint,
		Observer: metrics,
	})
	if err != nil {
		return err
	}

	var publisher application.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return err
		}
		defer producer.Close()
		publisher = producer
		slog.Info("publishing ledger events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	registryAssets, err := application.NewAssetRegistry(cfg.AssetRegistry)
	if err != nil {
		return err
	}
	decoder, err := application.NewDecoder(registryAssets, node, cfg.NativeDecimals)
	if err != nil {
		return err
	}
	classifier, err := application.NewClassifier(node, decoder, store, publisher, metrics)
	if err != nil {
		return err
	}

	clk := clock.NewDefaultClock()
	canceller, err := application.NewCanceller(node, node, cfg.CancelFeePremiumPercent, clk, metrics)
	if err != nil {
		return err
	}
	session, err := application.NewSession(
		application.NewTracker(),
		classifier,
		store,
		canceller,
		node,
		publisher,
		metrics,
		clk,
		application.SessionConfig{SettlementDelay: cfg.SettlementDelay},
	)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.Deps{
		Classifier:     classifier,
		Ledger:         store,
		Reconciler:     session,
		RPC:            node,
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
		BuildInfo: httpapi.BuildInfo{
			Version:   version,
			Commit:    commit,
			BuildTime: buildTime,
		},
	})
	if err != nil {
		return err
	}

	slog.Info("ledgerd starting",
		"version", version,
		"store", cfg.StoreDriver,
		"assets", registryAssets.Len(),
		"settlement_delay", cfg.SettlementDelay,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx, cfg.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session loop stopped", "err", err)
			cancel()
		}
	}()

	err = server.ListenAndServe(ctx, cfg.HTTPAddr)
	cancel()
	wg.Wait()
	return err
}
