package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voltflow/internal/bus"
	"voltflow/internal/config"
	httpserver "voltflow/internal/http"
	"voltflow/internal/http/handlers"
	"voltflow/internal/http/middleware"
	"voltflow/internal/payment"
	"voltflow/internal/registry"
	"voltflow/internal/repository"
	"voltflow/internal/service"
	"voltflow/internal/station"
	"voltflow/internal/ws"
	libdb "voltflow/libs/db"
	libredis "voltflow/libs/redis"
)

// App wires the whole dependency graph.
type App struct {
	httpServer *httpserver.Server
	reconciler *service.Reconciler
	db         *sql.DB
	rdb        *goredis.Client
	logger     *zap.Logger
}

// New builds the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	rdb, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	store := repository.NewStore(sqlDB, cfg.Billing.DefaultTariffPricePerKWh)
	frameLog := repository.NewFrameLog(store, logger)

	stationRegistry := registry.New(rdb, 2*cfg.OCPP.HeartbeatInterval, logger)
	commandBus := bus.NewRouter(rdb, logger)

	provider, err := payment.New(payment.Config{
		Kind:          cfg.Provider.Kind,
		Secret:        cfg.Provider.Secret,
		BaseURL:       cfg.Provider.BaseURL,
		InvoiceExpiry: cfg.Billing.InvoiceExpiry,
	}, logger)
	if err != nil {
		sqlDB.Close()
		rdb.Close()
		return nil, err
	}

	engine := service.NewEngine(store, commandBus, stationRegistry, provider,
		cfg.Billing.DefaultCurrency, logger)

	hub := station.NewHub(engine, store, stationRegistry, commandBus, frameLog, station.SessionConfig{
		HeartbeatInterval: cfg.OCPP.HeartbeatInterval,
		BootAccept:        cfg.OCPP.BootAccept,
		CallTimeout:       cfg.OCPP.CallTimeout,
	}, logger)

	wsServer := ws.NewServer(hub, 15*time.Second, cfg.HeartbeatTolerance(), cfg.OCPP.MaxSocketsPerProcess, logger)

	reconciler := service.NewReconciler(store, engine, rdb, service.ReconcilerConfig{
		HungCheckInterval:    cfg.Reconciler.HungSessionCheckInterval,
		NoTxGrace:            cfg.Reconciler.HungSessionNoTxGrace,
		MaxActive:            cfg.Reconciler.HungSessionMaxActive,
		InvoiceCheckInterval: cfg.Reconciler.InvoiceCheckInterval,
		SweepDeadline:        cfg.Reconciler.SweepDeadline,
		HeartbeatTolerance:   cfg.HeartbeatTolerance(),
	}, logger)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Charging:    handlers.NewChargingHandlers(engine, logger),
		Balance:     handlers.NewBalanceHandlers(engine, store, logger),
		Webhook:     handlers.NewWebhookHandler(provider, engine, logger),
		WSServer:    wsServer,
		Idempotency: middleware.NewRedisIdempotencyStore(rdb),
		JWTSecret:   cfg.Auth.JWTSecret,
		Logger:      logger,
	})

	return &App{
		httpServer: httpserver.NewServer(cfg.HTTPAddress(), router, logger),
		reconciler: reconciler,
		db:         sqlDB,
		rdb:        rdb,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.httpServer.Run(ctx)
	})
	group.Go(func() error {
		err := a.reconciler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return group.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close db", zap.Error(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("failed to close redis", zap.Error(err))
	}
}
