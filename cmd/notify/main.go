package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/larderbook/parcel-notify/internal/config"
	"github.com/larderbook/parcel-notify/internal/eligibility"
	"github.com/larderbook/parcel-notify/internal/handler"
	"github.com/larderbook/parcel-notify/internal/infra/postgresql"
	"github.com/larderbook/parcel-notify/internal/infra/postgresql/migrations"
	infraredis "github.com/larderbook/parcel-notify/internal/infra/redis"
	"github.com/larderbook/parcel-notify/internal/observability"
	"github.com/larderbook/parcel-notify/internal/provider"
	"github.com/larderbook/parcel-notify/internal/repository"
	"github.com/larderbook/parcel-notify/internal/service"
	"github.com/larderbook/parcel-notify/internal/transport"
)

const (
	shutdownTimeout = 10 * time.Second
	lockExpiry      = 2 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("parcel-notify exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	outboxRepo := repository.NewGormOutboxRepo(db)
	candidateRepo := repository.NewGormCandidateRepo(db)
	oracle := eligibility.NewGormOracle(db, eligibility.DefaultPolicy())

	gateway, err := provider.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSGatewayAPIKey, cfg.SMSSenderID)
	if err != nil {
		return fmt.Errorf("sms gateway initialization failed: %w", err)
	}

	throttle, err := infraredis.NewSendThrottle(rdb, cfg.SendRatePerSec)
	if err != nil {
		return fmt.Errorf("send throttle initialization failed: %w", err)
	}

	locker, err := infraredis.NewRedsyncLocker(rdb, lockExpiry)
	if err != nil {
		return fmt.Errorf("dispatch locker initialization failed: %w", err)
	}

	metrics := observability.NewMetrics()

	outboxService, err := service.NewOutboxService(outboxRepo, logger)
	if err != nil {
		return fmt.Errorf("outbox service initialization failed: %w", err)
	}

	dispatcher, err := service.NewDispatcher(
		outboxRepo,
		oracle,
		gateway,
		throttle,
		locker,
		time.Duration(cfg.DispatchIntervalSec)*time.Second,
		cfg.DispatchBatchSize,
		logger.Named("dispatcher"),
	)
	if err != nil {
		return fmt.Errorf("dispatcher initialization failed: %w", err)
	}
	dispatcher.SetMetrics(metrics)

	selector, err := service.NewSelector(
		candidateRepo,
		outboxService,
		time.Duration(cfg.SelectorIntervalSec)*time.Second,
		time.Duration(cfg.ReminderWindowHours)*time.Hour,
		0,
		logger.Named("selector"),
	)
	if err != nil {
		return fmt.Errorf("selector initialization failed: %w", err)
	}
	selector.SetMetrics(metrics)

	reconciler, err := service.NewStatusReconciler(outboxRepo, logger.Named("reconciler"))
	if err != nil {
		return fmt.Errorf("status reconciler initialization failed: %w", err)
	}

	healthService, err := service.NewHealthService(outboxRepo, 0, 0)
	if err != nil {
		return fmt.Errorf("health service initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(transport.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterProbeRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if err := handler.RegisterOutboxRoutes(app, outboxService, healthService); err != nil {
		return fmt.Errorf("outbox routes registration failed: %w", err)
	}
	if err := handler.RegisterDeliveryRoutes(app, reconciler); err != nil {
		return fmt.Errorf("delivery routes registration failed: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("parcel-notify api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("dispatcher started",
			zap.Int("intervalSec", cfg.DispatchIntervalSec),
			zap.Int("batchSize", cfg.DispatchBatchSize),
		)
		return dispatcher.Start(groupCtx)
	})

	group.Go(func() error {
		logger.Info("reminder selector started",
			zap.Int("intervalSec", cfg.SelectorIntervalSec),
			zap.Int("windowHours", cfg.ReminderWindowHours),
		)
		return selector.Start(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("parcel-notify stopped")
	return nil
}
