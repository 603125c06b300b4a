package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/grocer-orders/internal/api"
	"github.com/example/grocer-orders/internal/auth"
	"github.com/example/grocer-orders/internal/command"
	"github.com/example/grocer-orders/internal/config"
	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/infrastructure/kafka"
	"github.com/example/grocer-orders/internal/infrastructure/store"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
	"github.com/example/grocer-orders/internal/query"
	"github.com/example/grocer-orders/internal/readmodel"
	"github.com/example/grocer-orders/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[API] invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[API] failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

// stores groups the persistence the API needs
type stores struct {
	items     orderitem.Repository
	directory store.Directory
	ledger    notification.Ledger
	close     func() error
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting grocer orders api",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("push_mode", cfg.PushMode),
		zap.Bool("postgres", cfg.UsePostgres()))

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.TokenTTL)

	st, err := openStores(ctx, cfg, jwtService, logger)
	if err != nil {
		return err
	}
	defer st.close()

	m := metrics.New(nil)
	registry := realtime.NewRegistry(logger, m)
	local := realtime.NewLocalPusher(registry, logger, m)

	g, ctx := errgroup.WithContext(ctx)

	var pusher realtime.Pusher = local
	if cfg.PushMode == config.PushModeKafka {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "push-"+cfg.InstanceID, logger)
		defer consumer.Close()

		fanout := realtime.NewKafkaPusher(producer, cfg.InstanceID, cfg.SessionBuffer*64, cfg.PushTimeout, logger, m)
		pusher = fanout

		g.Go(func() error { return fanout.Run(ctx) })
		g.Go(func() error {
			logger.Info("consuming push fan-out", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
			return consumer.Consume(ctx, realtime.FanoutHandler(local))
		})
	}

	service := orderitem.NewService(st.items, st.directory, st.directory)
	dispatcher := realtime.NewDispatcher(st.ledger, pusher, logger, m)
	cmdHandler := command.NewHandler(service, dispatcher, st.ledger, logger, m)
	queryHandler := query.NewHandler(st.items, st.directory, st.ledger, cfg.NotificationPageSizeMax, logger)

	sessionOpts := realtime.DefaultSessionOptions()
	sessionOpts.Buffer = cfg.SessionBuffer
	sessionOpts.WriteTimeout = cfg.PushTimeout
	gateway := realtime.NewGateway(registry, sessionOpts, logger)

	router := api.NewRouter(api.RouterConfig{
		Handlers:   api.NewHandlers(cmdHandler, queryHandler, logger),
		Push:       api.NewPushHandler(jwtService, gateway, logger),
		JWTService: jwtService,
		Metrics:    m,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(registry.CloseAll)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, jwtService *auth.JWTService, logger *zap.Logger) (*stores, error) {
	if cfg.UsePostgres() {
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := store.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return postgresStores(db), nil
	}

	logger.Warn("DATABASE_URL not set, using in-memory stores with demo data")
	dir := seedDemo()
	issueDevTokens(jwtService, logger)
	return &stores{
		items:     store.NewMemoryOrderItemStore(dir),
		directory: dir,
		ledger:    store.NewMemoryLedger(),
		close:     func() error { return nil },
	}, nil
}

func postgresStores(db *sql.DB) *stores {
	return &stores{
		items:     store.NewPostgresOrderItemStore(db),
		directory: store.NewPostgresDirectory(db),
		ledger:    store.NewPostgresLedger(db),
		close:     db.Close,
	}
}

func seedDemo() *store.MemoryDirectory {
	dir := store.NewMemoryDirectory()
	dir.AddBuyer(1, "demo buyer")
	dir.AddShop(1, "demo greengrocer")
	dir.AddProduct(readmodel.ProductSummary{ID: 1, Name: "apples (1kg)", Price: 480}, 1)
	dir.AddProduct(readmodel.ProductSummary{ID: 2, Name: "carrots (500g)", Price: 220}, 1)
	dir.AddProduct(readmodel.ProductSummary{ID: 3, Name: "spinach", Price: 260}, 1)
	return dir
}

// issueDevTokens logs bearers for the demo actors so the in-memory server
// can be driven by hand.
func issueDevTokens(jwtService *auth.JWTService, logger *zap.Logger) {
	for _, actor := range []orderitem.Actor{
		{Role: orderitem.RoleBuyer, ID: 1},
		{Role: orderitem.RoleShop, ID: 1},
	} {
		token, expiresAt, err := jwtService.GenerateAccessToken(actor)
		if err != nil {
			logger.Warn("failed to issue dev token", zap.Stringer("actor", actor), zap.Error(err))
			continue
		}
		logger.Info("dev token", zap.Stringer("actor", actor), zap.String("token", token), zap.Time("expires_at", expiresAt))
	}
}
