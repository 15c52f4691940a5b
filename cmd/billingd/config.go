package main

import (
	"time"

	"github.com/dmitrymomot/campaignbilling/pkg/email"
	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/httpserver"
	"github.com/dmitrymomot/campaignbilling/pkg/pg"
	"github.com/dmitrymomot/campaignbilling/pkg/ratelimiter"
	"github.com/dmitrymomot/campaignbilling/pkg/redis"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
	"github.com/dmitrymomot/campaignbilling/svc/httpapi"
	"github.com/dmitrymomot/campaignbilling/svc/notify"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`

	DB       pg.Config
	Redis    redis.Config
	HTTP     httpserver.Config
	API      httpapi.Config
	Gateways gateway.Config
	Policy   billing.Policy
	Email    email.Config
	AMQP     notify.AMQPConfig
	Limits   ratelimiter.Config

	// RateLimitEnabled throttles payment creation, refunds and queries per
	// owner.
	RateLimitEnabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// RedisEnabled turns on the shared receipt guard and scheduler locks.
	// Without it both fall back to process-local state.
	RedisEnabled bool `env:"REDIS_ENABLED" envDefault:"true"`

	ProductName string `env:"BILLING_PRODUCT_NAME" envDefault:"Campaigns"`
	BillingURL  string `env:"BILLING_PORTAL_URL" envDefault:"http://localhost:3000/billing"`

	PlanCacheSize int           `env:"PLAN_CACHE_SIZE" envDefault:"128"`
	PlanCacheTTL  time.Duration `env:"PLAN_CACHE_TTL" envDefault:"5m"`
	ReceiptTTL    time.Duration `env:"WEBHOOK_RECEIPT_TTL" envDefault:"72h"`

	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerTimezone string        `env:"SCHEDULER_TIMEZONE" envDefault:"Asia/Taipei"`
	SchedulerLockTTL  time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"30m"`
	MigrateOnStart    bool          `env:"MIGRATE_ON_START" envDefault:"false"`
}

func (c appConfig) isProduction() bool {
	switch c.Env {
	case "production", "prod", "staging", "stage":
		return true
	}
	return false
}

// sweepTime is the daily wall-clock slot of a sweep.
type sweepTime struct {
	name         string
	hour, minute int
}

var sweepSchedule = []sweepTime{
	{billing.SweepExpire, 0, 5},
	{billing.SweepDeletion, 0, 30},
	{billing.SweepDunning, 9, 0},
	{billing.SweepReminders, 9, 30},
}
