package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/campaignbilling/pkg/email"
	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/pg"
	"github.com/dmitrymomot/campaignbilling/pkg/ratelimiter"
	"github.com/dmitrymomot/campaignbilling/pkg/redis"
	"github.com/dmitrymomot/campaignbilling/pkg/scheduler"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
	"github.com/dmitrymomot/campaignbilling/svc/billing/pgstore"
	"github.com/dmitrymomot/campaignbilling/svc/httpapi"
	"github.com/dmitrymomot/campaignbilling/svc/notify"
)

// app holds the wired engine and the resources it must release.
type app struct {
	cfg       appConfig
	log       *slog.Logger
	pool      *pgxpool.Pool
	redis     *goredis.Client
	store     *pgstore.Store
	registry  *prometheus.Registry
	lifecycle *billing.LifecycleManager
	payments  *billing.Orchestrator
	gateways  *gateway.Registry
	closers   []func() error
}

func newLogger(cfg appConfig) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(cfg.Env, cfg.ServiceName),
		logger.WithContextExtractors(httpapi.RequestIDAttr),
	)
}

// connectDB opens the pool and, when asked, applies migrations.
func connectDB(ctx context.Context, cfg appConfig, log *slog.Logger, migrate bool) (*pgxpool.Pool, error) {
	pool, err := pg.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg.DB, log); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

func newApp(ctx context.Context, cfg appConfig, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.pool, err = connectDB(ctx, cfg, log, cfg.MigrateOnStart); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	a.store = pgstore.New(a.pool, cfg.DB.TxRetries)

	var receipts billing.ReceiptGuard
	if cfg.RedisEnabled {
		if a.redis, err = redis.Connect(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
		receipts = billing.NewRedisReceiptGuard(a.redis, cfg.ReceiptTTL)
	} else {
		log.WarnContext(ctx, "redis disabled, webhook receipts and sweep locks are process-local")
		receipts = billing.NewMemoryReceiptGuard(10_000, cfg.ReceiptTTL)
	}

	if a.gateways, err = gateway.FromConfig(cfg.Gateways, log.With(logger.Component("gateway"))); err != nil {
		return nil, fmt.Errorf("configure gateways: %w", err)
	}
	providers := a.gateways.Providers()
	if len(providers) == 0 {
		log.WarnContext(ctx, "no payment providers configured")
	}
	log.InfoContext(ctx, "payment providers enabled", slog.Any("providers", providers))

	notices, hooks, err := a.notificationSenders(ctx)
	if err != nil {
		return nil, err
	}

	opts := engineOptions(cfg, log, notices, hooks,
		billing.WithMetrics(billing.MustNewMetrics(a.registry)),
		billing.WithPlans(billing.NewCachedPlans(a.store, cfg.PlanCacheSize, cfg.PlanCacheTTL)),
		billing.WithRetention(a.store),
		billing.WithReceiptGuard(receipts),
	)
	a.lifecycle = billing.NewLifecycleManager(a.store, opts...)
	a.payments = billing.NewOrchestrator(a.store, a.gateways, a.lifecycle, opts...)
	return a, nil
}

// engineOptions are the options shared by the lifecycle and the
// orchestrator. Owner notices go to notices; referral and conversion
// events go to hooks.
func engineOptions(cfg appConfig, log *slog.Logger, notices, hooks notify.Sender, extra ...billing.Option) []billing.Option {
	h := notify.NewHooks(hooks)
	return append([]billing.Option{
		billing.WithLogger(log),
		billing.WithPolicy(cfg.Policy),
		billing.WithNotifier(notify.New(notices)),
		billing.WithReferralRewarder(h),
		billing.WithConversionTracker(h),
	}, extra...)
}

// notificationSenders fans owner notices out to the log, e-mail and, when
// configured, RabbitMQ. Hook events skip e-mail.
func (a *app) notificationSenders(ctx context.Context) (notices, hooks notify.Sender, err error) {
	senders := []notify.Sender{notify.Log(a.log)}
	hookSenders := []notify.Sender{notify.Log(a.log)}

	var mailer email.Sender
	if a.cfg.Email.Enabled() {
		pm, err := email.NewPostmarkSender(a.cfg.Email)
		if err != nil {
			return nil, nil, err
		}
		mailer = pm
	} else {
		if a.cfg.isProduction() {
			a.log.WarnContext(ctx, "postmark not configured, billing e-mails are written to disk",
				slog.String("dir", a.cfg.Email.DevDir))
		}
		mailer = email.NewDevSender(a.cfg.Email.DevDir)
	}
	senders = append(senders, notify.NewEmail(mailer, a.store, a.cfg.ProductName, a.cfg.BillingURL))

	if a.cfg.AMQP.URL != "" {
		pub, err := notify.DialAMQP(a.cfg.AMQP, a.log)
		switch {
		case err == nil:
			a.closers = append(a.closers, pub.Close)
			senders = append(senders, pub)
			hookSenders = append(hookSenders, pub)
		case a.cfg.isProduction():
			return nil, nil, err
		default:
			a.log.WarnContext(ctx, "rabbitmq not available, notices are not published", logger.Error(err))
		}
	}
	return notify.Multi(senders...), notify.Multi(hookSenders...), nil
}

func (a *app) api() (*httpapi.API, error) {
	checks := []func(context.Context) error{pg.Healthcheck(a.pool)}
	if a.redis != nil {
		checks = append(checks, redis.Healthcheck(a.redis))
	}
	opts := []httpapi.Option{
		httpapi.WithLogger(a.log),
		httpapi.WithContacts(a.store),
		httpapi.WithMetrics(a.registry),
		httpapi.WithReadiness(checks...),
	}

	if a.cfg.RateLimitEnabled {
		var store ratelimiter.Store = ratelimiter.NewMemoryStore()
		if a.redis != nil {
			store = ratelimiter.NewRedisStore(a.redis)
		}
		limiter, err := ratelimiter.NewBucket(store, a.cfg.Limits,
			ratelimiter.WithPrefix("billing:ratelimit:"),
			ratelimiter.WithFailOpen(func(ctx context.Context, err error) {
				a.log.WarnContext(ctx, "rate limiter unavailable, request allowed", logger.Error(err))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		opts = append(opts, httpapi.WithRateLimit(limiter))
	}
	return httpapi.New(a.cfg.API, a.payments, a.lifecycle, a.store, opts...), nil
}

// scheduler registers the four daily sweeps. Runs are serialized across
// instances through Redis when it is enabled.
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	loc, err := time.LoadLocation(a.cfg.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	opts := []scheduler.Option{scheduler.WithLogger(a.log.With(logger.Component("scheduler")))}
	if a.redis != nil {
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(a.redis, "billing:sweep:"), a.cfg.SchedulerLockTTL))
	}
	s := scheduler.New(opts...)

	sweeps := a.lifecycle.Sweeps()
	for _, st := range sweepSchedule {
		sweep := sweeps[st.name]
		job := func(ctx context.Context) error {
			_, err := sweep(ctx)
			return err
		}
		if err := s.Add(st.name, scheduler.DailyAt(st.hour, st.minute, loc), job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error("failed to release resources", logger.Error(err))
	}
}
