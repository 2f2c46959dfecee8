// Command bchwatch is the payment-detection engine process: it loads
// configuration, builds the logger, wires the price oracle, Electrum
// client, registry listener and monitor together, and runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kiliangithub/BLAZE/electrum"
	"github.com/kiliangithub/BLAZE/internal/config"
	"github.com/kiliangithub/BLAZE/internal/monitor"
	"github.com/kiliangithub/BLAZE/internal/priceoracle"
	"github.com/kiliangithub/BLAZE/internal/registry"
	"github.com/kiliangithub/BLAZE/internal/store"
)

const shutdownDeadline = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("bchwatch: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("bchwatch: build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("bchwatch: connect to store: %w", err)
	}
	defer pool.Close()

	reg := registry.New(pool, cfg.DBDSN, cfg.ChangeChannel, log.Named("registry"))
	if err := reg.Connect(ctx); err != nil {
		return fmt.Errorf("bchwatch: registry connect: %w", err)
	}
	defer reg.Close(context.Background())

	if err := reg.LoadAll(ctx); err != nil {
		return fmt.Errorf("bchwatch: registry load_all: %w", err)
	}
	reg.Start(ctx)

	gateway := store.New(pool)

	prices := priceoracle.New(cfg.PriceRefreshInterval, log.Named("priceoracle"))
	prices.Start(ctx)
	defer prices.Stop()

	var tlsConfig *tls.Config
	if cfg.ElectrumTransport == "tls" {
		tlsConfig = &tls.Config{InsecureSkipVerify: cfg.ElectrumTLSInsecure}
	}

	client := electrum.New(electrum.Options{
		Address:        cfg.ElectrumAddress,
		TLS:            tlsConfig,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log.Named("electrum"),
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("bchwatch: electrum connect: %w", err)
	}
	defer client.Close()

	mon := monitor.New(client, reg, gateway, prices, cfg.SyncInterval, cfg.WatchdogInterval, log.Named("monitor"))
	mon.Start(ctx)

	log.Info("bchwatch started",
		zap.String("electrum_address", cfg.ElectrumAddress),
		zap.String("electrum_transport", cfg.ElectrumTransport),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Duration("watchdog_interval", cfg.WatchdogInterval),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		mon.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		log.Warn("shutdown deadline exceeded, exiting with workers still in flight")
	}

	return nil
}
