package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/mpesa-payments/internal"
	"github.com/frahmantamala/mpesa-payments/internal/auth"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	"github.com/frahmantamala/mpesa-payments/internal/notification"
	notificationpg "github.com/frahmantamala/mpesa-payments/internal/notification/postgres"
	"github.com/frahmantamala/mpesa-payments/internal/payment"
	paymentpg "github.com/frahmantamala/mpesa-payments/internal/payment/postgres"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
	"github.com/frahmantamala/mpesa-payments/internal/reconcile"
	"github.com/frahmantamala/mpesa-payments/pkg/logger"
)

// Dependencies is everything the server, worker and event commands share.
type Dependencies struct {
	Config     *internal.Config
	Logger     *slog.Logger
	SQL        *sqlx.DB
	DB         *gorm.DB
	Payments   *paymentpg.PaymentRepository
	Deliveries *notificationpg.DeliveryRepository
	Gateway    *paymentgateway.Client
	Bus        *events.EventBus
	Processor  *payment.Processor
	Service    *payment.Service
	Authorizer *auth.PermissionChecker
	Dispatcher *notification.Dispatcher
	Scheduler  *reconcile.Scheduler
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.LoggerWrapper()

	sqlDB, gormDB, err := initDB(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	location, err := time.LoadLocation(cfg.Gateway.Timezone)
	if err != nil {
		return nil, fmt.Errorf("gateway timezone: %w", err)
	}

	payments, err := paymentpg.NewPaymentRepository(gormDB, paymentpg.WithBatchSize(cfg.Reconciliation.BatchSize))
	if err != nil {
		return nil, err
	}
	deliveries := notificationpg.NewDeliveryRepository(gormDB)

	gateway := paymentgateway.NewClient(paymentgateway.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		ConsumerKey:       cfg.Gateway.ConsumerKey,
		ConsumerSecret:    cfg.Gateway.ConsumerSecret,
		ShortCode:         cfg.Gateway.ShortCode,
		PassKey:           cfg.Gateway.PassKey,
		CallbackURL:       cfg.Gateway.CallbackURL,
		TransactionType:   cfg.Gateway.TransactionType,
		Timeout:           cfg.Gateway.Timeout,
		TokenSafetyMargin: cfg.Gateway.TokenSafetyMargin,
		Location:          location,
	}, log.With("component", "gateway"))

	bus := events.NewEventBus(log.With("component", "events"))
	authorizer := auth.NewPermissionChecker()
	processor := payment.NewProcessor(payments, bus, log.With("component", "processor"))
	service := payment.NewService(payments, gateway, processor, authorizer, bus, log.With("component", "payments"))

	notifiers, err := buildNotifiers(ctx, cfg, location, log)
	if err != nil {
		return nil, err
	}
	dispatcher := notification.NewDispatcher(deliveries, payments, notification.RetryPolicy{
		MaxAttempts: cfg.Reconciliation.WebhookMaxAttempts,
		BaseBackoff: cfg.Reconciliation.WebhookBaseBackoff,
		MaxBackoff:  cfg.Reconciliation.WebhookMaxBackoff,
	}, log.With("component", "notifications"), notifiers)
	dispatcher.Register(bus)

	scheduler, err := buildScheduler(cfg.Reconciliation, payments, gateway, processor, dispatcher, log.With("component", "reconcile"))
	if err != nil {
		return nil, err
	}

	return &Dependencies{
		Config:     cfg,
		Logger:     log,
		SQL:        sqlDB,
		DB:         gormDB,
		Payments:   payments,
		Deliveries: deliveries,
		Gateway:    gateway,
		Bus:        bus,
		Processor:  processor,
		Service:    service,
		Authorizer: authorizer,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
	}, nil
}

func buildNotifiers(ctx context.Context, cfg *internal.Config, location *time.Location, log *slog.Logger) ([]notification.Notifier, error) {
	notifiers := []notification.Notifier{
		notification.NewWebhookNotifier(cfg.Notification.WebhookTimeout, log.With("component", "webhook")),
	}

	if cfg.Notification.SQS.Enabled {
		client, err := notification.NewSQSClient(ctx, cfg.Notification.SQS)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notification.NewSQSNotifier(client, cfg.Notification.SQS.QueueURL))
	}

	if cfg.Notification.ReceiptDir != "" {
		notifiers = append(notifiers, notification.NewReceiptNotifier(
			notification.NewXLSXReceiptGenerator(location),
			notification.NewLocalReceiptStore(cfg.Notification.ReceiptDir)))
	}

	return notifiers, nil
}

func buildScheduler(cfg internal.ReconciliationConfig, payments *paymentpg.PaymentRepository, gateway *paymentgateway.Client, processor *payment.Processor, dispatcher *notification.Dispatcher, log *slog.Logger) (*reconcile.Scheduler, error) {
	scheduler := reconcile.NewScheduler(log)

	if err := scheduler.Add(cfg.StaleSweepSchedule, reconcile.NewStaleSweep(payments, processor, cfg.StaleAfter, log)); err != nil {
		return nil, err
	}
	if cfg.ActivePollEnabled {
		poll := reconcile.NewActivePoll(payments, gateway, processor, cfg.PollMinAge, cfg.StaleAfter, cfg.PollConcurrency, log)
		if err := scheduler.Add(cfg.ActivePollSchedule, poll); err != nil {
			return nil, err
		}
	}
	if err := scheduler.Add(cfg.WebhookRetrySchedule, reconcile.NewWebhookRetry(dispatcher, cfg.BatchSize)); err != nil {
		return nil, err
	}

	return scheduler, nil
}

// initDB opens one pgx pool and shares it between sqlx and gorm.
func initDB(cfg internal.DatabaseConfig, log *slog.Logger) (*sqlx.DB, *gorm.DB, error) {
	const driver = "pgx"

	sqlDB, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{
		Logger: gormlogger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	return sqlDB, gormDB, nil
}

func (d *Dependencies) Close() {
	if err := d.SQL.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
}
