package billing

import (
	"log/slog"
	"time"
)

type options struct {
	now         func() time.Time
	log         *slog.Logger
	metrics     *Metrics
	policy      Policy
	plans       PlanStore
	notifier    Notifier
	rewarder    ReferralRewarder
	conversions ConversionTracker
	retention   CampaignRetention
	receipts    ReceiptGuard
}

// Option configures a LifecycleManager or an Orchestrator. Options that
// do not apply to a component are ignored by it.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		log:         slog.Default(),
		policy:      DefaultPolicy(),
		notifier:    nopNotifier{},
		rewarder:    nopRewarder{},
		conversions: nopConversions{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithPlans overrides where plans are read from, typically a CachedPlans.
func WithPlans(p PlanStore) Option {
	return func(o *options) { o.plans = p }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithReferralRewarder(r ReferralRewarder) Option {
	return func(o *options) {
		if r != nil {
			o.rewarder = r
		}
	}
}

func WithConversionTracker(c ConversionTracker) Option {
	return func(o *options) {
		if c != nil {
			o.conversions = c
		}
	}
}

func WithRetention(r CampaignRetention) Option {
	return func(o *options) { o.retention = r }
}

func WithReceiptGuard(g ReceiptGuard) Option {
	return func(o *options) { o.receipts = g }
}
