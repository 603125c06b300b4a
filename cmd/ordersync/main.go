// Command ordersync mirrors the order items visible to one bearer into a
// local cache file and keeps it current from the push channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/config"
	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/reconcile"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ordersync] invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ordersync] failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ordersync stopped", zap.Error(err))
	}
}

func run(cfg *config.ClientConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := reconcile.LoadCache(cfg.CacheFile)
	if err != nil {
		return err
	}

	save := func() {
		if err := cache.Save(cfg.CacheFile); err != nil {
			logger.Warn("failed to save cache", zap.String("path", cfg.CacheFile), zap.Error(err))
		}
	}
	defer save()

	client := reconcile.NewClient(cfg.ServerURL, cfg.AccessToken, nil)
	syncer := reconcile.NewSyncer(client, cache, reconcile.SyncerOptions{
		Interval: cfg.SyncInterval,
		Statuses: cfg.Statuses,
		OnNotification: func(rec notification.Record) {
			logger.Info("notification",
				zap.Int64("id", rec.ID),
				zap.String("type", string(rec.Type)),
				zap.String("message", rec.Message))
		},
		OnSync: func(changed int) {
			if changed == 0 {
				return
			}
			logger.Info("synced",
				zap.Int("changed", changed),
				zap.Int("active", len(cache.Active())),
				zap.Int("history", len(cache.History())),
				zap.Int("pending", len(cache.Pending())))
			save()
		},
	}, logger)

	// SIGHUP stands in for the app regaining focus
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := syncer.Submit(ctx); err != nil {
					logger.Warn("failed to submit pending lines", zap.Error(err))
				}
				syncer.Nudge()
			}
		}
	}()

	if err := syncer.Submit(ctx); err != nil {
		logger.Warn("failed to submit pending lines", zap.Error(err))
	}

	logger.Info("ordersync started", zap.String("server", cfg.ServerURL), zap.String("cache", cfg.CacheFile))
	return syncer.Run(ctx)
}
