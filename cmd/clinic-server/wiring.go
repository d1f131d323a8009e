package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/domain/payment"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/gateway"
	"github.com/clinic/clinic/internal/platform/gateway/omisegw"
	"github.com/clinic/clinic/internal/platform/gateway/stripegw"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/queue"
)

// processor is a gateway driver that also authenticates its callbacks.
type processor interface {
	gateway.Gateway
	gateway.WebhookVerifier
}

// app holds the wired services shared by every command.
type app struct {
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	publisher *queue.Publisher
	consumer  *queue.Consumer

	appointments *appointment.Service
	payments     payment.Repository
	engine       *payment.Engine
	sweeper      *payment.Sweeper
	ingestor     *payment.Ingestor
	worker       *payment.Worker
	verifier     gateway.WebhookVerifier
	notifier     *notification.Notifier
}

func newProcessor(cfg *config.Config) (processor, error) {
	switch cfg.GatewayProvider {
	case "stripe":
		return stripegw.New(stripegw.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.StripeSuccessURL,
			CancelURL:     cfg.StripeCancelURL,
		}, nil), nil
	case "omise":
		g, err := omisegw.New(omisegw.Config{
			PublicKey:  cfg.OmisePublicKey,
			SecretKey:  cfg.OmiseSecretKey,
			SourceType: cfg.OmiseSourceType,
			ReturnURI:  cfg.OmiseReturnURI,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case "fake":
		// Fake callbacks are signed with the same secret setting as Stripe's.
		return gateway.NewFake(cfg.StripeWebhookSecret), nil
	}
	return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
}

func newSender(cfg *config.Config, logger zerolog.Logger) notification.Sender {
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		return notification.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	return notification.LogSender{Logger: logger}
}

// buildApp connects to every backing service and wires the domain. With
// consume set and AMQP_URL configured it also opens the transition consumer.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, consume bool) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.notifier = notification.NewNotifier(newSender(cfg, logger), notification.NewTemplateEngine(), logger)
	a.notifier.SetLocation(loc)

	proc, err := newProcessor(cfg)
	if err != nil {
		return nil, err
	}
	a.verifier = proc
	gw := gateway.NewRetrying(proc, gateway.RetryPolicy{
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryDelay,
	}, logger)

	patients := appointment.NewPatientRepoPG(pool)
	a.appointments = appointment.NewService(
		appointment.NewAppointmentRepoPG(pool),
		appointment.NewDoctorRepoPG(pool),
		patients,
		db.PoolTxRunner{Pool: pool},
		nil,
		logger,
	)
	a.appointments.SetNotifier(a.notifier)

	opts := []payment.EngineOption{
		payment.WithCurrency(cfg.Currency),
		payment.WithPaidListener(a.notifier),
		payment.WithPaidListener(payment.PaidListenerFunc(func(ctx context.Context, p *payment.Payment) {
			if p.Purpose != payment.PurposeConsultation {
				return
			}
			if _, err := a.appointments.ConfirmPayment(ctx, p.AppointmentID); err != nil {
				logger.Error().Err(err).Str("appointment_id", p.AppointmentID.String()).Msg("confirm appointment payment failed")
			}
		})),
	}
	if cfg.RedisURL != "" {
		client, err := lock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		opts = append(opts, payment.WithLocker(lock.NewRedisLocker(client, cfg.LockTTL, logger)))
		logger.Info().Msg("using redis appointment locks")
	}

	a.payments = payment.NewRepoPG(pool)
	a.engine = payment.NewEngine(a.payments, gw, patients, logger, opts...)
	a.sweeper = payment.NewSweeper(a.payments, gw, a.engine, logger, cfg.SyncStaleAfter, cfg.SyncBatchSize)
	a.ingestor = payment.NewIngestor(a.payments, a.engine, logger)
	a.worker = payment.NewWorker(a.engine, a.appointments, gateway.RetryPolicy{
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryDelay,
	}, logger)

	if cfg.AMQPURL == "" {
		a.appointments.SetDispatcher(payment.DirectDispatcher{Worker: a.worker})
		logger.Info().Msg("reconciling transitions in-process")
	} else {
		pub, err := queue.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		a.appointments.SetDispatcher(appointment.QueueDispatcher{Publisher: pub})
		if consume {
			c, err := queue.NewConsumer(cfg.AMQPURL, queue.ConsumerConfig{
				Exchange: cfg.AMQPExchange,
				Queue:    cfg.AMQPQueue,
				Keys:     []string{appointment.TransitionedRoutingKey},
			}, logger)
			if err != nil {
				return nil, err
			}
			a.consumer = c
		}
	}

	ok = true
	return a, nil
}

func (a *app) consume(ctx context.Context) error {
	if a.consumer == nil {
		return fmt.Errorf("no queue consumer configured")
	}
	return a.consumer.Run(ctx, a.worker.HandleMessage)
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	if a.publisher != nil {
		checks = append(checks, db.Check{Name: "rabbitmq", Ping: a.publisher.Ping})
	}
	return checks
}

func (a *app) close() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
