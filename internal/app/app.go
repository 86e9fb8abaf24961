// Package app assembles the payment services from configuration. Both the
// API server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/cache"
	"github.com/punchamoorthee/tabpay/internal/config"
	"github.com/punchamoorthee/tabpay/internal/credentials"
	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/mpesa"
	"github.com/punchamoorthee/tabpay/internal/notify"
	"github.com/punchamoorthee/tabpay/internal/ratelimit"
	"github.com/punchamoorthee/tabpay/internal/service"
	"github.com/punchamoorthee/tabpay/internal/store"
	"github.com/punchamoorthee/tabpay/internal/tenant"
	"github.com/punchamoorthee/tabpay/internal/tenantconfig"
	"github.com/punchamoorthee/tabpay/internal/vault"
)

const redisPrefix = "tabpay"

type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        *store.Store
	Redis        redis.UniversalClient
	Credentials  *credentials.Service
	Mpesa        *mpesa.Client
	Transactions *service.TransactionService
	Callbacks    *service.CallbackHandler
	Payments     *service.PaymentService
	Reconciler   *service.Reconciler
	Maintenance  *service.Maintenance
}

// NewLogger returns a JSON logger in production and a console logger
// everywhere else.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// New connects to Postgres and Redis, applies migrations and builds every
// service. Close releases the connections.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	v, err := vault.FromConfig(cfg.Mpesa.EncryptionKey, cfg.Mpesa.PreviousEncryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}

	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	a := &App{Config: cfg, Logger: logger, Store: db, Redis: rdb}

	a.Credentials = credentials.NewService(db, v, logger.Named("credentials"))
	configs := tenantconfig.NewFactory(tenantconfig.DefaultsFromConfig(cfg))

	a.Mpesa = mpesa.NewClient(
		cache.NewRedisCache(rdb, redisPrefix+":token:"),
		logger.Named("mpesa"),
		mpesa.WithTokenHook(func(ctx context.Context, tenantID string, env models.Environment) {
			if err := a.Credentials.MarkValidated(ctx, tenantID, env); err != nil {
				logger.Warn("failed to record credential validation",
					zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}),
	)

	limiter := ratelimit.New(
		ratelimit.NewRedisStore(rdb, redisPrefix+":rl:"),
		db,
		ratelimit.Policy{
			PerMinute:     cfg.RateLimit.PerMinute,
			Window:        cfg.RateLimit.Window,
			MaxFailures:   cfg.RateLimit.MaxFailures,
			FailureWindow: cfg.RateLimit.FailureWindow,
		},
		logger.Named("ratelimit"),
	)

	notifier := notify.Multi{
		notify.NewRedisPublisher(rdb, redisPrefix),
		notify.NewLogNotifier(logger.Named("notify")),
	}

	a.Transactions = service.NewTransactionService(db, cfg.Jobs.TransactionTimeout, logger.Named("transactions"))
	a.Callbacks = service.NewCallbackHandler(db, notifier, logger.Named("callback"))
	a.Payments = service.NewPaymentService(cfg.Mpesa.Environment, service.PaymentDeps{
		Limiter:      limiter,
		Resolver:     tenant.NewResolver(db),
		Credentials:  a.Credentials,
		Configs:      configs,
		Pusher:       a.Mpesa,
		Transactions: a.Transactions,
	}, logger.Named("payments"))
	a.Reconciler = service.NewReconciler(db, a.Credentials, configs, a.Mpesa, a.Callbacks,
		cfg.Jobs.ReconcileAfter, logger.Named("reconcile"))
	a.Maintenance = &service.Maintenance{
		Transactions: a.Transactions,
		Callbacks:    a.Callbacks,
		Reconciler:   a.Reconciler,
		Interval:     cfg.Jobs.SweepInterval,
		Logger:       logger.Named("maintenance"),
	}
	return a, nil
}

func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("redis close failed", zap.Error(err))
	}
	a.Store.Close()
}
