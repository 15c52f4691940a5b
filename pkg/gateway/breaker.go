package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

type BreakerConfig struct {
	MaxRequests         uint32        `env:"GATEWAY_BREAKER_MAX_REQUESTS" envDefault:"1"`
	Interval            time.Duration `env:"GATEWAY_BREAKER_INTERVAL" envDefault:"60s"`
	Timeout             time.Duration `env:"GATEWAY_BREAKER_TIMEOUT" envDefault:"30s"`
	ConsecutiveFailures uint32        `env:"GATEWAY_BREAKER_FAILURES" envDefault:"5"`
}

// breakerGateway trips after consecutive infrastructure errors on outbound
// calls. Declines (Success=false) do not count. Inbound verification is
// local and never passes through the breaker.
type breakerGateway struct {
	Gateway
	create *gobreaker.CircuitBreaker[CreateResult]
	query  *gobreaker.CircuitBreaker[VerifyResult]
	refund *gobreaker.CircuitBreaker[RefundResult]
}

// WithBreaker wraps g's outbound calls in circuit breakers. The returned
// gateway always exposes Querier and Refunder; unsupported calls still yield
// ErrQueryUnsupported / ErrRefundUnsupported.
func WithBreaker(g Gateway, cfg BreakerConfig, log *slog.Logger) Gateway {
	if log == nil {
		log = slog.Default()
	}
	threshold := max(cfg.ConsecutiveFailures, 1)
	settings := func(op string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        string(g.Provider()) + "." + op,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrQueryUnsupported) || errors.Is(err, ErrRefundUnsupported)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("gateway circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}
	}
	return &breakerGateway{
		Gateway: g,
		create:  gobreaker.NewCircuitBreaker[CreateResult](settings("create")),
		query:   gobreaker.NewCircuitBreaker[VerifyResult](settings("query")),
		refund:  gobreaker.NewCircuitBreaker[RefundResult](settings("refund")),
	}
}

func (b *breakerGateway) CreatePayment(ctx context.Context, p CreateParams) (CreateResult, error) {
	return b.create.Execute(func() (CreateResult, error) {
		return b.Gateway.CreatePayment(ctx, p)
	})
}

func (b *breakerGateway) QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error) {
	return b.query.Execute(func() (VerifyResult, error) {
		return Query(ctx, b.Gateway, q)
	})
}

func (b *breakerGateway) Refund(ctx context.Context, r RefundParams) (RefundResult, error) {
	return b.refund.Execute(func() (RefundResult, error) {
		return Refund(ctx, b.Gateway, r)
	})
}
