package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Config describes one token bucket. A full bucket holds Capacity tokens and
// gains RefillRate tokens every RefillInterval.
type Config struct {
	Capacity       int           `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	RefillRate     int           `env:"RATE_LIMIT_REFILL" envDefault:"1"`
	RefillInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"6s"`
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// idleTTL is how long an untouched bucket takes to fill up again. Past it
// the stored state equals a fresh bucket and can be dropped.
func (c Config) idleTTL() time.Duration {
	intervals := (c.Capacity + c.RefillRate - 1) / c.RefillRate
	return time.Duration(intervals+1) * c.RefillInterval
}

// Result is the outcome of taking tokens from a bucket.
type Result struct {
	Limit int
	// Remaining is negative when the request was denied. Denied requests
	// consume nothing.
	Remaining int
	ResetAt   time.Time
}

func (r Result) Allowed() bool { return r.Remaining >= 0 }

// RetryAfter is the wait until the next refill, zero when allowed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// Store keeps bucket state. Take refills the bucket as of now and removes n
// tokens when enough are available.
type Store interface {
	Take(ctx context.Context, key string, n int, cfg Config, now time.Time) (remaining int, resetAt time.Time, err error)
}

// Bucket applies one Config to many keys.
type Bucket struct {
	store  Store
	cfg    Config
	prefix string
	now    func() time.Time
	// failOpen, when set, lets requests through on store errors.
	failOpen func(ctx context.Context, err error)
}

type Option func(*Bucket)

func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// WithPrefix namespaces keys in a shared store.
func WithPrefix(prefix string) Option {
	return func(b *Bucket) { b.prefix = prefix }
}

// WithFailOpen allows requests when the store fails. report is called with
// the store error.
func WithFailOpen(report func(ctx context.Context, err error)) Option {
	return func(b *Bucket) { b.failOpen = report }
}

func NewBucket(store Store, cfg Config, opts ...Option) (*Bucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bucket{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Allow takes one token for key.
func (b *Bucket) Allow(ctx context.Context, key string) (Result, error) {
	now := b.now()
	remaining, resetAt, err := b.store.Take(ctx, b.prefix+key, 1, b.cfg, now)
	if err != nil {
		if b.failOpen != nil {
			b.failOpen(ctx, err)
			return Result{Limit: b.cfg.Capacity, Remaining: b.cfg.Capacity, ResetAt: now}, nil
		}
		return Result{}, err
	}
	return Result{Limit: b.cfg.Capacity, Remaining: remaining, ResetAt: resetAt}, nil
}
