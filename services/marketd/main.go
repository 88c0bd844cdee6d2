package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nhbmarket/config"
	"nhbmarket/core"
	"nhbmarket/core/events"
	nhbstate "nhbmarket/core/state"
	"nhbmarket/crypto"
	"nhbmarket/indexer"
	nativecommon "nhbmarket/native/common"
	"nhbmarket/native/marketplace"
	"nhbmarket/observability"
	"nhbmarket/observability/logging"
	telemetry "nhbmarket/observability/otel"
	"nhbmarket/services/marketd/seed"
	"nhbmarket/services/marketd/server"
	"nhbmarket/storage"
)

func main() {
	cfgPath := flag.String("config", "./marketd.toml", "path to marketd configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}
	logger := logging.Setup("marketd", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("marketd: create data dir: %v", err)
	}
	db, err := storage.Open(cfg.DBBackend, cfg.ResolvePath("ledger"))
	if err != nil {
		log.Fatalf("marketd: open ledger: %v", err)
	}
	defer db.Close()

	market, err := core.NewMarket(db)
	if err != nil {
		log.Fatalf("marketd: load ledger: %v", err)
	}
	rent, err := cfg.RentDepositAmount()
	if err != nil {
		log.Fatalf("marketd: rent deposit: %v", err)
	}
	market.SetRentDeposit(rent)
	market.SetLogger(logger)
	market.SetMetrics(observability.Marketplace())
	pauses := nativecommon.NewPauses()
	pauses.Set("marketplace", cfg.Pauses.Marketplace)
	market.SetPauses(pauses)

	activity, err := indexer.Open(cfg.ResolvePath(cfg.ActivityDSN))
	if err != nil {
		log.Fatalf("marketd: open activity index: %v", err)
	}
	defer activity.Close()
	activity.SetLogger(logger)

	srv := server.New(server.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
		ExportDir:         cfg.ResolvePath(cfg.ExportDir),
		Admin: server.AdminConfig{
			HMACSecret: cfg.AdminSecret(),
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
		},
	}, market, activity, pauses, logger)
	market.SetEmitter(events.Fanout{
		activity,
		observability.EventMetricsEmitter{Events: observability.Events(), Marketplace: observability.Marketplace()},
		srv.Stream(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := applySeed(ctx, cfg, market, logger); err != nil {
		log.Fatalf("marketd: seed: %v", err)
	}
	if err := bootstrapMarketplace(ctx, cfg, market, logger); err != nil {
		log.Fatalf("marketd: bootstrap marketplace: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketd listening", slog.String("address", cfg.ListenAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("marketd: serve: %v", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("marketd shutdown", slog.Any("error", err))
	}
}

func applySeed(ctx context.Context, cfg *config.Config, market *core.Market, logger *slog.Logger) error {
	if cfg.SeedFile == "" {
		return nil
	}
	fixtures, err := seed.Load(cfg.ResolvePath(cfg.SeedFile))
	if err != nil {
		return err
	}
	var applied bool
	err = market.Mutate(ctx, "seed", func(st *nhbstate.Manager) error {
		var err error
		applied, err = fixtures.Apply(st)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("seed fixtures checked", slog.Bool("applied", applied))
	return nil
}

// bootstrapMarketplace creates the configured marketplace on first boot using
// the admin's next nonce.
func bootstrapMarketplace(ctx context.Context, cfg *config.Config, market *core.Market, logger *slog.Logger) error {
	admin, ok, err := cfg.MarketplaceAdmin()
	if err != nil || !ok {
		return err
	}
	if _, _, err := market.MarketplaceByName(cfg.Marketplace.Name); err == nil {
		return nil
	} else if !errors.Is(err, marketplace.ErrMarketplaceNotFound) {
		return err
	}
	nonce, err := market.Nonce(admin)
	if err != nil {
		return err
	}
	_, registry, err := market.Initialize(ctx, core.Caller{Address: admin, Nonce: nonce}, cfg.Marketplace.Name, cfg.Marketplace.Fee)
	if err != nil {
		return err
	}
	logger.Info("marketplace bootstrapped",
		slog.String("market", cfg.Marketplace.Name),
		slog.String("registry", crypto.MustNewAddress(registry).String()))
	return nil
}
